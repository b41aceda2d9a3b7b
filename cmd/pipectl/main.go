package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/pipebridge/internal/config"
	"github.com/matheus3301/pipebridge/internal/control"
	"github.com/matheus3301/pipebridge/internal/instance"
	"github.com/matheus3301/pipebridge/internal/lock"
	"github.com/matheus3301/pipebridge/internal/platform/mattermost"
	"github.com/matheus3301/pipebridge/internal/store"
	"github.com/matheus3301/pipebridge/internal/wa"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var workers = []string{mattermost.PlatformName, wa.PlatformName}

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(instance.ConfigPath())
	if err != nil {
		fatalf("%v", err)
	}
	name := instance.Resolve(*instanceFlag, cfg.DefaultInstance)
	if err := instance.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, name, *jsonFlag)
	case "watch":
		cmdWatch(name, *jsonFlag)
	case "pipes":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pipectl pipes <list|remove <chat_a>|purge>")
			os.Exit(1)
		}
		cmdPipes(name, cfg, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pipectl [--instance <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status              Show daemon and worker health")
	fmt.Fprintln(os.Stderr, "  watch               Stream overall health changes")
	fmt.Fprintln(os.Stderr, "  pipes list          List pipes")
	fmt.Fprintln(os.Stderr, "  pipes remove <id>   Remove the pipe of a side A chat")
	fmt.Fprintln(os.Stderr, "  pipes purge         Delete pending pipes past their ttl")
}

func dial(name string) *control.Client {
	c, err := control.Dial(instance.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for instance %q: %v", name, err)
	}
	return c
}

func cmdStatus(ctx context.Context, name string, jsonOut bool) {
	pid, err := lock.Holder(instance.Dir(name))
	if err != nil {
		fatalf("%v", err)
	}
	if pid == 0 {
		if jsonOut {
			outputJSON(map[string]any{"instance": name, "running": false})
			return
		}
		fmt.Printf("Instance: %s\n", name)
		fmt.Println("Daemon:   not running")
		return
	}

	c := dial(name)
	defer func() { _ = c.Close() }()
	statuses, err := c.Status(ctx, workers...)
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOut {
		ws := make(map[string]string, len(workers))
		for _, w := range workers {
			ws[w] = statuses[w].String()
		}
		outputJSON(map[string]any{
			"instance": name,
			"running":  true,
			"pid":      pid,
			"overall":  statuses[control.Overall].String(),
			"workers":  ws,
		})
		return
	}
	fmt.Printf("Instance: %s\n", name)
	fmt.Printf("Daemon:   running (pid %d)\n", pid)
	fmt.Printf("Overall:  %s\n", statuses[control.Overall])
	for _, w := range workers {
		fmt.Printf("  %-12s %s\n", w, statuses[w])
	}
}

func cmdWatch(name string, jsonOut bool) {
	c := dial(name)
	defer func() { _ = c.Close() }()

	stream, err := c.Health.Watch(context.Background(), &healthpb.HealthCheckRequest{Service: control.Overall})
	if err != nil {
		fatalf("%v", err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			fatalf("watch: %v", err)
		}
		if jsonOut {
			b, err := protojson.Marshal(resp)
			if err != nil {
				fatalf("json encode error: %v", err)
			}
			fmt.Println(string(b))
			continue
		}
		fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), resp.GetStatus())
	}
}

func cmdPipes(name string, cfg *config.Config, args []string, jsonOut bool) {
	db, err := store.Open(instance.StoreDBPath(name))
	if err != nil {
		fatalf("%v", err)
	}
	defer func() { _ = db.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "list":
		pipes, err := db.ListPipes(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOut {
			outputJSON(pipes)
			return
		}
		if len(pipes) == 0 {
			fmt.Println("No pipes found.")
			return
		}
		for _, p := range pipes {
			state := "pending"
			if p.Active {
				state = "active"
			}
			created := time.UnixMilli(p.CreatedAt).Format(time.DateTime)
			fmt.Printf("%-4d %-30s %-30s %-8s %s\n", p.ID, p.ChatA, p.ChatB, state, created)
		}
	case "remove":
		if len(args) < 2 {
			fatalf("usage: pipectl pipes remove <chat_a>")
		}
		n, err := db.RemovePipe(ctx, args[1])
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Removed %d pipe(s)\n", n)
	case "purge":
		cutoff := time.Now().Add(-cfg.Pairing.CodeTTL.Duration).UnixMilli()
		n, err := db.PurgeExpiredPipes(ctx, cutoff)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Purged %d pending pipe(s)\n", n)
	default:
		fatalf("unknown pipes subcommand: %s", args[0])
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

