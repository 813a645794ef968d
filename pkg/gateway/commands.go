package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zhaopengme/witbot/pkg/session"
)

const commandHelp = `/help - Show this help message
/clear - Forget the current conversation context
/show [context|engine|stats] - Show current state
/list [actions|sessions] - List available options`

// HandleCommand answers a slash command typed by userID in the console.
// handled is false when line is not a command.
func (g *Gateway) HandleCommand(userID, line string) (response string, handled bool) {
	content := strings.TrimSpace(line)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}

	parts := strings.Fields(content)
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "/help":
		return commandHelp, true

	case "/clear":
		sess, _ := g.Sessions.ResolveOrCreate(userID)
		if err := g.Sessions.Update(sess.ID, session.Context{}); err != nil {
			return fmt.Sprintf("failed to clear session: %v", err), true
		}
		return "Context cleared.", true

	case "/show":
		if len(args) < 1 {
			return "Usage: /show [context|engine|stats]", true
		}
		switch args[0] {
		case "context":
			sess, _ := g.Sessions.ResolveOrCreate(userID)
			data, err := json.MarshalIndent(sess.Context, "", "  ")
			if err != nil {
				return fmt.Sprintf("failed to render context: %v", err), true
			}
			return string(data), true
		case "engine":
			provider := g.cfg.Engine.Provider
			if provider == "" {
				provider = "wit"
			}
			return fmt.Sprintf("Engine: %s (max %d steps)", provider, g.cfg.Engine.MaxSteps), true
		case "stats":
			if g.Heartbeat == nil {
				return fmt.Sprintf("Sessions: %d", g.Sessions.Count()), true
			}
			s := g.Heartbeat.Snapshot()
			return fmt.Sprintf("Sessions: %d, turns completed: %d, failed: %d", s.Sessions, s.Completed, s.Failed), true
		default:
			return fmt.Sprintf("Unknown show target: %s", args[0]), true
		}

	case "/list":
		if len(args) < 1 {
			return "Usage: /list [actions|sessions]", true
		}
		switch args[0] {
		case "actions":
			return fmt.Sprintf("Registered actions: %s", strings.Join(g.Actions.List(), ", ")), true
		case "sessions":
			sessions := g.Sessions.List()
			if len(sessions) == 0 {
				return "No sessions", true
			}
			lines := make([]string, 0, len(sessions))
			for _, s := range sessions {
				lines = append(lines, fmt.Sprintf("%s  user=%s  keys=%d", s.ID, s.UserID, len(s.Context)))
			}
			sort.Strings(lines)
			return strings.Join(lines, "\n"), true
		default:
			return fmt.Sprintf("Unknown list target: %s", args[0]), true
		}

	default:
		return fmt.Sprintf("Unknown command: %s (try /help)", cmd), true
	}
}
