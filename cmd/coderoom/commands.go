package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"coderoom/internal/client/editor"
	"coderoom/internal/client/replica"
	"coderoom/internal/client/session"
	"coderoom/internal/config"
	"coderoom/internal/transport"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const connectTimeout = 15 * time.Second

var (
	roomID      string
	displayName string
	serverURL   string
	createRoom  bool
	generateID  bool
	userColor   string
	verbose     bool

	rootCmd = &cobra.Command{
		Use:   "coderoom",
		Short: "Join a collaborative coding room from the terminal",
		Long: `coderoom connects to a room server, opens the room's files as live
replicas and lets you edit, run and chat alongside the other participants.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
		RunE: runRoom,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&roomID, "room", "r", "", "room ID to join")
	rootCmd.Flags().StringVarP(&displayName, "name", "n", "", "display name shown to other participants")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default $COLLAB_SERVER_URL or ws://localhost:8080)")
	rootCmd.Flags().BoolVar(&createRoom, "create", false, "create the room instead of joining it")
	rootCmd.Flags().BoolVar(&generateID, "generate", false, "create a room with a freshly generated ID")
	rootCmd.Flags().StringVar(&userColor, "color", "", "cursor color (hex)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print engine logs")
}

func runRoom(cmd *cobra.Command, args []string) error {
	cfg := config.LoadClient()
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if userColor != "" {
		cfg.UserColor = userColor
	}
	if cfg.UserColor == "" {
		cfg.UserColor = colorFor(displayName)
	}

	mode := session.ModeJoin
	if createRoom {
		mode = session.ModeCreate
	}
	if generateID {
		roomID = uuid.NewString()
		mode = session.ModeCreate
	}

	out := cmd.OutOrStdout()
	a, err := connect(cfg, out)
	if err != nil {
		return err
	}
	defer a.close()

	var joinErr error
	a.loop.Call(func() { joinErr = a.sess.JoinOrCreate(mode, roomID, displayName) })
	if joinErr != nil {
		return joinErr
	}

	fmt.Fprintln(out, styles.Muted.Render("Type 'help' for commands."))
	return a.repl(cmd.InOrStdin())
}

// app is a running client: the loop, the session and the connections it
// owns.
type app struct {
	out    io.Writer
	loop   *session.Loop
	sess   *session.Session
	buffer *editor.Buffer
	socket *transport.Socket

	chatSeen int
}

func connect(cfg *config.ClientConfig, out io.Writer) (*app, error) {
	loop := session.NewLoop(0)
	go loop.Run()

	socket := transport.NewSocket(strings.TrimRight(cfg.ServerURL, "/")+"/ws/rooms", nil)
	a := &app{out: out, loop: loop, buffer: editor.NewBuffer(), socket: socket}
	loop.Call(func() {
		a.sess = session.New(session.Options{
			Socket:      socket,
			Dialer:      replica.NewTransportDialer(&transport.ChannelDialer{BaseURL: cfg.ServerURL}),
			Widget:      a.buffer,
			Notifier:    terminalNotifier{out: out},
			Dispatch:    loop.Dispatch,
			History:     &transport.HistoryClient{BaseURL: cfg.ServerURL},
			Color:       cfg.UserColor,
			DefaultFile: cfg.DefaultFile,
			SettleDelay: cfg.SettleDelay,
			Replica:     replica.Options{SyncTimeout: cfg.SyncTimeout},
		})
		a.sess.Subscribe(a.render)
	})

	// Registered after the session's own observer, so the session has seen
	// the connection by the time JoinOrCreate runs.
	connected := make(chan struct{})
	var once bool
	socket.OnStatus(func(st transport.Status) {
		if st == transport.StatusConnected && !once {
			once = true
			close(connected)
		}
	})

	socket.Connect()
	select {
	case <-connected:
	case <-time.After(connectTimeout):
		a.close()
		return nil, fmt.Errorf("could not reach %s", cfg.ServerURL)
	}
	return a, nil
}

func (a *app) close() {
	a.loop.Call(func() { a.sess.Close() })
	a.socket.Close()
	a.loop.Stop()
	a.loop.Wait()
}

// render prints session events as they happen. It runs on the loop.
func (a *app) render(ev session.Event) {
	switch ev.Kind {
	case session.EventJoined:
		fmt.Fprintln(a.out, styles.Title.Render("Room "+ev.RoomID))
	case session.EventActiveFile:
		fmt.Fprintln(a.out, styles.Muted.Render("Opening "+ev.Path+"..."))
	case session.EventSettled:
		fmt.Fprintln(a.out, styles.Muted.Render("Editing "+ev.Path))
	case session.EventOutput:
		if ev.Output != "" {
			fmt.Fprintln(a.out, styles.Output.Render(ev.Output))
		}
	case session.EventChat:
		if a.chatSeen > len(ev.Chat) {
			a.chatSeen = 0
		}
		for _, m := range ev.Chat[a.chatSeen:] {
			fmt.Fprintf(a.out, "%s %s\n", swatch(m.Username, ""), m.Message)
		}
		a.chatSeen = len(ev.Chat)
	}
}

var errQuit = errors.New("quit")

func (a *app) repl(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		err := a.exec(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(a.out, styles.Error.Render("error: "+err.Error()))
		}
	}
}
