package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/chat"
	"github.com/adwski/webrtc-rooms/client/session"
	"github.com/adwski/webrtc-rooms/client/transport/socket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	defaultRequestTimeout = 5 * time.Second
)

var (
	errCreateRoom = errors.New("cannot create room")
)

type params struct {
	apiURL   string
	wsURL    string
	room     string
	create   bool
	role     string
	name     string
	logLevel string
	noToken  bool
}

func parse(args []string) (*params, error) {
	fs := pflag.NewFlagSet("pair", pflag.ContinueOnError)
	p := &params{}
	fs.StringVar(&p.apiURL, "api", "http://localhost:8080", "room api url")
	fs.StringVar(&p.wsURL, "ws", "ws://localhost:8888", "broker socket url")
	fs.StringVarP(&p.room, "room", "r", "", "room code to join")
	fs.BoolVarP(&p.create, "create", "c", false, "create the room first, a code is generated if --room is empty")
	fs.StringVar(&p.role, "role", string(model.RoleA), "participant role: A or B")
	fs.StringVarP(&p.name, "name", "n", "", "display name")
	fs.StringVarP(&p.logLevel, "log-level", "l", "warn", "log level")
	fs.BoolVar(&p.noToken, "no-token", false, "attach without a credential")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if !model.Role(p.role).Valid() {
		return nil, fmt.Errorf("invalid role %q", p.role)
	}
	return p, nil
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	p, err := parse(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	lvl, err := zerolog.ParseLevel(p.logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := p.room
	if p.create {
		if code, err = createRoom(ctx, p.apiURL, code); err != nil {
			logger.Fatal().Err(err).Msg("failed to create room")
		}
		fmt.Printf("room %s created\n", code)
	}

	sockCfg := socket.Config{Logger: &logger, URL: p.wsURL}
	if !p.noToken {
		sockCfg.Tokens = &socket.HTTPTokenSource{BaseURL: p.apiURL}
	}
	mgr := session.New(session.Config{
		Logger:      &logger,
		Dialer:      socket.NewDialer(sockCfg),
		Role:        model.Role(p.role),
		DisplayName: p.name,
		Renderer:    session.RendererFunc(render),
	})
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
		defer shCancel()
		mgr.Close(shCtx)
	}()

	if err = mgr.Open(ctx, code); err != nil {
		logger.Error().Err(err).Msg("failed to open room")
		return
	}
	fmt.Println("commands: /request /accept /start /members /log /quit, anything else is chat")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
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
			if quit := command(ctx, mgr, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func command(ctx context.Context, mgr *session.Manager, line string) bool {
	var err error
	switch line {
	case "":
	case "/quit":
		return true
	case "/request":
		err = mgr.RequestConnection(ctx)
	case "/accept":
		err = mgr.AcceptConnection(ctx)
	case "/start":
		_, err = mgr.Start(ctx)
	case "/members":
		var members []model.PresenceMember
		if members, err = mgr.Members(ctx); err == nil {
			for _, m := range members {
				fmt.Printf("  %s (%s) since %s\n", m.DisplayName, m.Role, m.JoinedAt.Format(time.TimeOnly))
			}
		}
	case "/log":
		for _, e := range mgr.Log() {
			fmt.Printf("  %s %s\n", e.Timestamp.Format(time.TimeOnly), e.Entry)
		}
	default:
		_, err = mgr.SendChat(ctx, line)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func render(ev session.Event) {
	switch ev.Kind {
	case session.KindStatus:
		if ev.Err != nil {
			fmt.Printf("* %s: %v\n", ev.Status, ev.Err)
			return
		}
		fmt.Printf("* %s\n", ev.Status)
	case session.KindHandshake:
		if ev.Handshake.Token != "" {
			fmt.Printf("* handshake %s [%s]\n", ev.Handshake.Current, ev.Handshake.Token)
			return
		}
		fmt.Printf("* handshake %s\n", ev.Handshake.Current)
	case session.KindChat:
		msg := ev.Chat.Message
		if ev.Chat.Kind == chat.EventRetracted {
			fmt.Printf("x %s: %s (not sent)\n", msg.Sender, msg.Text)
			return
		}
		fmt.Printf("%s: %s\n", msg.Sender, msg.Text)
	case session.KindPresence:
		if ev.Ready {
			fmt.Printf("* room ready (%d members)\n", len(ev.Members))
		}
	case session.KindStart:
		fmt.Printf("* start %d out of %d\n", ev.Start.Signaled, ev.Start.Expected)
		if ev.Start.Quorum {
			fmt.Println("* everyone is ready")
		}
	}
}

func createRoom(ctx context.Context, apiURL, code string) (string, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", errors.Join(errCreateRoom, err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(apiURL, "/")+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", errors.Join(errCreateRoom, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Join(errCreateRoom, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var res struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", errors.Join(errCreateRoom, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: status %d: %s", errCreateRoom, resp.StatusCode, res.Error)
	}
	return res.Code, nil
}
