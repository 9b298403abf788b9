// Command corestream is a headless driver for the streaming core: it
// authenticates, resolves a track URI, and plays it to the default
// output device. The graphical shell this core was built for is a
// separate program; this binary exists to exercise the full pipeline
// end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/psst-go/corestream/internal/auth"
	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/internal/config"
	"github.com/psst-go/corestream/internal/playback"
	"github.com/psst-go/corestream/internal/player"
	"github.com/psst-go/corestream/internal/session"
	"github.com/psst-go/corestream/internal/sink"
	"github.com/psst-go/corestream/internal/transport"
	"github.com/psst-go/corestream/pkg/coretypes"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml")
		username   = flag.String("user", "", "username (omit to reuse stored credentials)")
		password   = flag.String("pass", "", "password (or CORESTREAM_PASSWORD)")
		uri        = flag.String("uri", "", "track uri to play, e.g. spotify:track:...")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if err := run(*configPath, *username, *password, *uri, *debug); err != nil {
		log.Fatalf("corestream: %v", err)
	}
}

func run(configPath, username, password, uri string, debugFlag bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	debug := debugFlag || cfg.Debug

	if uri == "" {
		return fmt.Errorf("no -uri given")
	}
	item, err := coretypes.ParseURI(uri)
	if err != nil {
		return err
	}

	store, err := auth.OpenStore(cfg.Storage.CredentialStorePath, debug)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	creds, err := resolveCredentials(store, username, password)
	if err != nil {
		return err
	}

	deviceID := cfg.Network.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	c := cache.Open(cfg.Storage.CacheDir, debug)

	svc := session.NewService(creds, transport.Config{
		SocksProxyAddr: cfg.Network.SocksProxy,
		DeviceID:       deviceID,
		Debug:          debug,
	}, c, func(user string, blob []byte) {
		if err := store.SaveCredentials(user, int(coretypes.AuthTypeStoredCredentials), blob); err != nil {
			log.Printf("save reusable credentials: %v", err)
		}
	}, debug)
	defer svc.Shutdown()

	// Warm the client token used by web-facing calls (search, metadata
	// enrichment) so the shell driving this core finds it ready.
	if cfg.Network.ClientID != "" {
		tokens := auth.NewClientTokenClient(cfg.Network.ClientID, deviceID, debug)
		go func() {
			tok, err := tokens.Token(context.Background())
			if err != nil {
				log.Printf("client token: %v", err)
				return
			}
			if debug {
				log.Printf("client token granted, expires in %s", tok.ExpiresIn)
			}
		}()
	}

	out, err := sink.Open(debug)
	if err != nil {
		return fmt.Errorf("open audio sink: %w", err)
	}
	defer out.Close()
	out.SetVolume(float32(cfg.Audio.DefaultVolume))

	loader := playback.NewLoader(svc, c, out.SampleRate(), cfg.Audio.RingSize, debug)
	loader.Configure(cfg.Audio.Bitrate, float32(cfg.Audio.PregainDb))

	p := player.New(loader, sinkAdapter{out}, debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go p.Run(ctx)

	p.Commands() <- player.CmdLoadQueue{Items: []coretypes.ItemId{item}, StartPosition: 0}

	go readCommands(p)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.Events():
			switch e := ev.(type) {
			case player.EvtLoading:
				fmt.Printf("loading %s\n", e.Item)
			case player.EvtLoaded:
				if e.Err != nil {
					fmt.Printf("load failed: %v\n", e.Err)
				}
			case player.EvtPlaying:
				fmt.Printf("playing %s\n", e.Path.ItemId)
			case player.EvtPosition:
				fmt.Printf("\r%s", e.Position.Truncate(time.Second))
			case player.EvtBlocked:
				fmt.Printf("\nbuffering at %s...\n", e.Position.Truncate(time.Second))
			case player.EvtStopped:
				fmt.Println("\nstopped")
				return nil
			}
		}
	}
}

// resolveCredentials prefers an explicit username/password pair, then
// the newest stored reusable blob for that user.
func resolveCredentials(store *auth.Store, username, password string) (coretypes.Credentials, error) {
	if password == "" {
		password = os.Getenv("CORESTREAM_PASSWORD")
	}
	if username != "" && password != "" {
		return coretypes.Credentials{
			Username: username,
			AuthType: coretypes.AuthTypeUserPass,
			AuthData: []byte(password),
		}, nil
	}
	if username != "" {
		_, blob, ok, err := store.LoadCredentials(username)
		if err != nil {
			return coretypes.Credentials{}, err
		}
		if ok {
			return coretypes.Credentials{
				Username: username,
				AuthType: coretypes.AuthTypeStoredCredentials,
				AuthData: blob,
			}, nil
		}
	}
	return coretypes.Credentials{}, fmt.Errorf("no credentials: pass -user and -pass once; later runs reuse the stored blob")
}

// readCommands drives the player from stdin: space pauses/resumes, n/p
// skip, q stops.
func readCommands(p *player.Player) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "", "space":
			p.Commands() <- player.CmdPauseOrResume{}
		case "n":
			p.Commands() <- player.CmdNext{}
		case "p":
			p.Commands() <- player.CmdPrevious{}
		case "q":
			p.Commands() <- player.CmdStop{}
		}
	}
}

// sinkAdapter bridges internal/player's locally-declared Sink interface
// onto the concrete *sink.Sink: the method sets differ only in the
// named type of the source parameter, which Go will not unify across
// packages on its own.
type sinkAdapter struct{ s *sink.Sink }

func (a sinkAdapter) Play(src player.Source) { a.s.Play(src) }
func (a sinkAdapter) Pause()                 { a.s.Pause() }
func (a sinkAdapter) Resume()                { a.s.Resume() }
func (a sinkAdapter) Stop()                  { a.s.Stop() }
func (a sinkAdapter) SetVolume(v float32)    { a.s.SetVolume(v) }
