package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"castrelay.app/castrelay/castprotocol"
	"castrelay.app/castrelay/castsession"
	"castrelay.app/castrelay/casttransport"
	"castrelay.app/castrelay/messages"
)

var (
	errNoRoom = errors.New("no room id given, use -room")

	roomArg     = flag.String("room", "", "Relay room id to join.")
	urlArg      = flag.String("url", "", "WebSocket URL of the relay server. Defaults to $CASTRELAY_WS_URL.")
	tokenArg    = flag.String("token", "", "Authorization token. When empty, an anonymous token is fetched from the auth endpoint.")
	authArg     = flag.String("auth", "", "Auth endpoint for anonymous tokens. Defaults to $CASTRELAY_AUTH_URL.")
	platformArg = flag.String("platform", "", "Platform tag sent on socket init. Defaults to $CASTRELAY_PLATFORM.")
	reportArg   = flag.Bool("report", false, "Publish synthetic playback metadata every 10s.")
	verboseArg  = flag.Bool("verbose", false, "Enable debug logging.")
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errNoRoom) {
			flag.Usage()
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *roomArg == "" {
		return errNoRoom
	}

	exitCTX, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(out).With().Timestamp().Logger()
	if !*verboseArg {
		logger = logger.Level(zerolog.InfoLevel)
	}

	manager := castsession.NewManager(castsession.Options{
		WSURL:     *urlArg,
		AuthURL:   *authArg,
		Platform:  *platformArg,
		LogOutput: out,
		Logger:    logger,
	})

	client, err := manager.GetClient(exitCTX, castsession.ClientConfig{
		RoomID: *roomArg,
		Token:  *tokenArg,
	})
	if err != nil {
		return err
	}

	client.OnStatus(func(s castprotocol.Status) {
		logger.Info().Str("Status", string(s)).Msg("client status")
	})
	client.OnCommand(func(cmd messages.Command) {
		logger.Info().Str("Command", cmd.CommandType()).Msg("remote command")
	})
	client.OnError(func(e casttransport.ErrorEvent) {
		logger.Warn().Err(e.Err).Bool("Critical", e.Critical).Bool("Retryable", e.Retryable).Msg("transport error")
	})
	client.OnJoined(func(payload map[string]any) {
		logger.Info().Str("Room", *roomArg).Strs("Participants", client.Participants()).Msg("joined room")
	})

	if err := client.Connect(exitCTX); err != nil {
		return err
	}

	if *reportArg {
		start := time.Now()
		reporter := castprotocol.NewReporter(client, func() (messages.Metadata, bool) {
			return messages.Metadata{
				ContentID: "synthetic",
				Position:  time.Since(start).Seconds(),
				Rate:      1,
			}, true
		}, 0)
		reporter.Start(exitCTX)
		defer reporter.Stop()
	}

	<-exitCTX.Done()
	manager.Disconnect()

	return nil
}
