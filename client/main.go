package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/syncengine"
)

type options struct {
	server string
	game   string
	room   string
	name   string
	role   string
	invite string
	pid    string
	poll   time.Duration
	debug  bool
}

func parseFlags(cfg *config.Config) options {
	var o options
	pflag.StringVar(&o.server, "server", "http://localhost:8080", "room server base URL")
	pflag.StringVar(&o.game, "game", "tic-tac-toe", "game kind")
	pflag.StringVar(&o.room, "room", "", "room id to join")
	pflag.StringVar(&o.name, "name", "", "display name")
	pflag.StringVar(&o.role, "role", "", "preferred role")
	pflag.StringVar(&o.invite, "invite", "", "invite link; fills room, name, role and game")
	pflag.StringVar(&o.pid, "participant", "", "stable participant id; tells apart two players using the same name")
	pflag.DurationVar(&o.poll, "poll", cfg.Sync.PollInterval, "poll fallback interval")
	pflag.BoolVar(&o.debug, "debug", false, "log engine activity")
	pflag.Parse()

	if o.invite != "" {
		inv, err := syncengine.ParseInvite(o.invite)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		o.room = inv.RoomID
		if inv.Name != "" && o.name == "" {
			o.name = inv.Name
		}
		if inv.Role != "" {
			o.role = inv.Role
		}
		if inv.GameKind != "" {
			o.game = inv.GameKind
		}
	}
	return o
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	o := parseFlags(cfg)
	if o.room == "" || o.name == "" {
		fmt.Fprintln(os.Stderr, "--room and --name are required (or an --invite carrying them)")
		pflag.Usage()
		os.Exit(2)
	}
	if o.debug {
		logger.Init("debug", true)
	}
	defer logger.Sync()

	catalog := games.Default()
	if cfg.Games.CatalogPath != "" {
		if catalog, err = games.Load(cfg.Games.CatalogPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	game, err := catalog.Get(o.game)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := syncengine.New(syncengine.NewHTTPBackend(o.server, nil), game, engineOptions(cfg, o)...)

	if err := engine.Join(ctx, o.room, o.name, o.role); err != nil {
		fmt.Fprintf(os.Stderr, "join %s: %v\n", o.room, err)
		os.Exit(1)
	}
	defer engine.Disconnect()

	if link, err := syncengine.BuildInvite(o.server, syncengine.Invite{RoomID: o.room, GameKind: game.Kind}); err == nil {
		fmt.Printf("Joined %s as %s (%s). Invite: %s\n", o.room, engine.Name(), roleOrNone(engine.Role()), link)
	}
	fmt.Println("Commands: show | set <field> <json> | reset | quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleCommand(ctx, engine, game, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func engineOptions(cfg *config.Config, o options) []syncengine.Option {
	opts := []syncengine.Option{
		syncengine.WithSubscriber(&syncengine.WebSocketSubscriber{BaseURL: o.server}),
		syncengine.WithPollInterval(o.poll),
		syncengine.WithJoinRetries(cfg.Sync.JoinRetries, cfg.Sync.JoinRetryDelay),
		syncengine.WithOnApply(func(doc models.Document) {
			fmt.Println()
			printDocument(doc)
		}),
	}
	if o.pid != "" {
		opts = append(opts, syncengine.WithParticipantID(o.pid))
	}
	return opts
}

func handleCommand(ctx context.Context, engine *syncengine.Engine, game *games.Game, line string) bool {
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "":
	case "quit", "exit":
		return true
	case "show":
		fmt.Printf("role=%s version=%d state=%s\n", roleOrNone(engine.Role()), engine.Version(), engine.State())
		printDocument(engine.Document())
	case "reset":
		if err := engine.Reset(ctx); err != nil {
			fmt.Println("reset failed:", err)
		}
	case "set":
		if len(fields) < 3 {
			fmt.Println("usage: set <field> <json>")
			return false
		}
		var value any
		if err := models.DecodeJSON([]byte(fields[2]), &value); err != nil {
			fmt.Println("invalid JSON value:", err)
			return false
		}
		err := engine.Move(ctx, func(doc models.Document, role string) (models.Document, error) {
			if fields[1] == models.RosterField {
				return nil, fmt.Errorf("the roster cannot be set directly")
			}
			doc[fields[1]] = value
			if game.TurnField != "" {
				doc[game.TurnField] = nextRole(game, role)
			}
			return doc, nil
		})
		if err != nil {
			fmt.Println("move rejected:", err)
		}
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}

// nextRole returns the role after role in the game's turn order.
func nextRole(game *games.Game, role string) string {
	for i, r := range game.Roles {
		if r == role {
			return game.Roles[(i+1)%len(game.Roles)]
		}
	}
	return game.DefaultRole()
}

func roleOrNone(role string) string {
	if role == "" {
		return "no role"
	}
	return role
}

func printDocument(doc models.Document) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Println("unprintable document:", err)
		return
	}
	fmt.Println(string(data))
}
