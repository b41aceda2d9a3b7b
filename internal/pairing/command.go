package pairing

import "strings"

// CommandKind enumerates the in-band commands the bridge understands.
type CommandKind int

const (
	CmdInstall CommandKind = iota + 1
	CmdInstallPrivate
	CmdUninstall
	CmdTimeUpdates
	CmdNotifications
)

// Command is a parsed chat command.
type Command struct {
	Kind CommandKind
	Arg  string
	On   bool
}

// IsPipeCommand reports whether c changes pipes.
func (c Command) IsPipeCommand() bool {
	return c.Kind == CmdInstall || c.Kind == CmdInstallPrivate || c.Kind == CmdUninstall
}

// ParseCommand recognizes a command in the first token of text. A trailing
// "@botname" on the command token is ignored.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch name {
	case "/install_pipe":
		return Command{Kind: CmdInstall, Arg: arg}, true
	case "/install_pipe_private":
		return Command{Kind: CmdInstallPrivate, Arg: arg}, true
	case "/uninstall":
		return Command{Kind: CmdUninstall}, true
	case "/time_updates":
		on, ok := parseSwitch(arg)
		return Command{Kind: CmdTimeUpdates, On: on}, ok
	case "/notifications":
		on, ok := parseSwitch(arg)
		return Command{Kind: CmdNotifications, On: on}, ok
	}
	return Command{}, false
}

func parseSwitch(arg string) (bool, bool) {
	switch strings.ToLower(arg) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}
