package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/halcyonchat/huddle/internal/app"
	"github.com/halcyonchat/huddle/internal/config"
	msg "github.com/halcyonchat/huddle/internal/signal"
	"github.com/halcyonchat/huddle/internal/util"
)

var (
	configPath   = flag.StringP("config", "c", "config.json", "path to the config file (created on first run)")
	displayName  = flag.String("name", "", "override the display name from the config")
	voiceChannel = flag.String("voice", "", "voice channel id to join on startup")
	withVideo    = flag.Bool("video", false, "enable camera for the voice channel or call")
	callUser     = flag.String("call", "", "user id to ring for a 1:1 call")
	callThread   = flag.String("thread", "", "thread id for the 1:1 call (required with --call)")
	showVersion  = flag.BoolP("version", "v", false, "print version and exit")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *callUser != "" && *callThread == "" {
		log.Fatal("--call requires --thread")
	}

	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", *configPath)
	}
	if *displayName != "" {
		cfg.Identity.DisplayName = *displayName
	}
	// The key file rides next to the config unless given as an absolute path.
	cfg.Identity.KeyFile = util.ResolvePath(filepath.Dir(*configPath), cfg.Identity.KeyFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, &cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	log.Printf("huddle v%s up as %s (%s)", appVersion, cfg.Identity.DisplayName, cfg.Identity.UserID)

	if *voiceChannel != "" {
		if err := a.JoinVoice(ctx, *voiceChannel, *withVideo); err != nil {
			log.Fatalf("join voice channel %s: %v", *voiceChannel, err)
		}
	}
	if *callUser != "" {
		ct := msg.CallAudio
		if *withVideo {
			ct = msg.CallVideo
		}
		if _, err := a.StartCall(ctx, *callThread, *callUser, ct); err != nil {
			log.Fatalf("start call to %s: %v", *callUser, err)
		}
	}

	statusTick := time.NewTicker(30 * time.Second)
	defer statusTick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("shutting down")
			return
		case <-statusTick.C:
			st := a.Status()
			log.Printf("status: %d peers, up %s, %d recent signals",
				st.Peers, st.Uptime.Round(time.Second), len(st.Recent))
		}
	}
}
