package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPChat/client/offline"
	"PPChat/client/wsclient"
	"PPChat/config"
	"PPChat/global"
	"PPChat/logger"
	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

type Globals struct {
	Config string `help:"YAML config file." type:"path" env:"PPCHAT_CONFIG"`
}

type cli struct {
	Globals

	Gateway  GatewayCmd  `cmd:"" help:"Run a websocket gateway node."`
	Datanode DatanodeCmd `cmd:"" help:"Run a data node that persists records from Kafka."`
	Token    TokenCmd    `cmd:"" help:"Issue a development token for an actor."`
	Client   ClientCmd   `cmd:"" help:"Interactive chat client with an offline outbox."`
}

type GatewayCmd struct{}

func (GatewayCmd) Run(g *Globals) error {
	cfg, err := load(g, config.NodeTypeMsgGateWay)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	gw, err := global.NewGateway(ctx, cfg)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

type DatanodeCmd struct{}

func (DatanodeCmd) Run(g *Globals) error {
	cfg, err := load(g, config.NodeTypeDataNode)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return global.RunDataNode(ctx, cfg)
}

type TokenCmd struct {
	Actor  string        `arg:"" help:"Actor id (token subject)."`
	TTL    time.Duration `help:"Token lifetime; defaults to jwt.ttl."`
	Scopes []string      `help:"Optional scopes."`
}

func (c *TokenCmd) Run(g *Globals) error {
	cfg, err := load(g, config.NodeTypeMsgGateWay)
	if err != nil {
		return err
	}
	opts := global.JWTOptions(cfg)
	if c.TTL > 0 {
		opts.TTL = c.TTL
	}
	tok, exp, err := security.Generate(opts, c.Actor, c.Scopes)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
	return nil
}

type ClientCmd struct {
	URL    string `default:"ws://127.0.0.1:8080/chat" help:"Gateway websocket URL."`
	Token  string `required:"" env:"PPCHAT_TOKEN" help:"Access token."`
	Thread string `required:"" help:"Thread to chat in."`
	Outbox string `default:"ppchat-outbox.db" type:"path" help:"Offline outbox file."`
}

func (c *ClientCmd) Run(_ *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := offline.Open(c.Outbox)
	if err != nil {
		return err
	}
	defer q.Close()

	room := chat.Rooms{ThreadPrefix: "thread:"}.Thread(c.Thread)
	var syncer *offline.Syncer
	var ws *wsclient.Client
	ws = wsclient.New(wsclient.Config{URL: c.URL, Token: c.Token, OnState: func(online bool) {
		if online {
			go func() {
				if err := ws.Join(ctx, room); err != nil {
					logger.Warn("join failed", zap.String("room", room), zap.Error(err))
				}
			}()
		}
		syncer.SetOnline(online)
	}})
	syncer = offline.NewSyncer(q, ws, offline.SyncerConf{OnResult: func(r offline.DrainResult) {
		logger.Info("outbox", zap.Uint64("id", r.Entry.ID), zap.Stringer("outcome", r.Outcome), zap.Error(r.Err))
	}})
	outbox := offline.NewOutbox(q, ws, syncer)

	go syncer.Run(ctx)
	go func() {
		if err := ws.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("client stopped", zap.Error(err))
			stop()
		}
	}()
	go printEvents(ctx, ws)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			a, _, err := offline.NewSendMessage(c.Thread, line)
			if err != nil {
				return err
			}
			st, err := outbox.Submit(ctx, a)
			switch {
			case err == nil && st == offline.Queued:
				fmt.Println("(queued)")
			case errs.Code(err) == errs.AdmissionDenied:
				d, _ := errs.RetryAfterOf(err)
				fmt.Printf("(rate limited, retry in %s)\n", d.Round(time.Second))
			case err != nil:
				fmt.Println("(failed)", err)
			}
		}
	}
}

func printEvents(ctx context.Context, ws *wsclient.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ws.Events():
			if f.Type != chat.TypeMessageNew {
				continue
			}
			var p message.Plain
			if err := json.Unmarshal(f.Data, &p); err != nil {
				continue
			}
			fmt.Printf("[%s] %s\n", p.SenderID, p.Body)
		}
	}
}

func load(g *Globals, nodeType string) (*config.AppConfig, error) {
	cfg, err := config.LoadFor(g.Config, nodeType)
	if err != nil {
		return nil, err
	}
	if err := global.ConfigLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("ppchat"),
		kong.Description("PPChat realtime messaging gateway, data node and client."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c.Globals))
}
