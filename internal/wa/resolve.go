package wa

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// ResolveChatID turns the remote id given to /install_pipe into a chat JID.
// A full JID is kept (minus any device suffix); a bare id becomes a group
// JID, or a user JID when private is set.
func ResolveChatID(remote string, private bool) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", fmt.Errorf("empty remote id")
	}
	if strings.Contains(remote, "@") {
		jid, err := types.ParseJID(remote)
		if err != nil {
			return "", fmt.Errorf("parse JID: %w", err)
		}
		if jid.User == "" {
			return "", fmt.Errorf("JID %q has no user part", remote)
		}
		return jid.ToNonAD().String(), nil
	}

	user := strings.TrimPrefix(remote, "+")
	for _, r := range user {
		if (r < '0' || r > '9') && r != '-' {
			return "", fmt.Errorf("remote id %q is not numeric", remote)
		}
	}
	server := types.GroupServer
	if private {
		server = types.DefaultUserServer
	}
	return types.NewJID(user, server).String(), nil
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
