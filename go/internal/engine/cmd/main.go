package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/livebid/go/internal/backend"
	"github.com/mcdev12/livebid/go/internal/bidding"
	"github.com/mcdev12/livebid/go/internal/config"
	"github.com/mcdev12/livebid/go/internal/connection"
	"github.com/mcdev12/livebid/go/internal/engine"
	"github.com/mcdev12/livebid/go/internal/lifecycle"
	"github.com/mcdev12/livebid/go/internal/session"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("LIVEBID_CONFIG"), "Path to a YAML config file")
	auctions := flag.String("auctions", "", "Comma separated auction ids to watch (overrides config)")
	bidder := flag.String("bidder", os.Getenv("LIVEBID_BIDDER"), "Bidder id")
	token := flag.String("token", os.Getenv("LIVEBID_TOKEN"), "Bearer token for the backend")
	balance := flag.Int64("balance", 0, "Spendable balance in minor units")
	bid := flag.Int64("bid", 0, "Place one bid of this amount on the first auction")
	flag.Parse()

	config.LoadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	config.SetupLogging(cfg.Log.Level)

	auctionIDs := cfg.Engine.AuctionIDs
	if *auctions != "" {
		auctionIDs = strings.Split(*auctions, ",")
	}
	if len(auctionIDs) == 0 {
		log.Fatal().Msg("no auctions to watch")
	}

	sess := session.NewManager()
	if *token != "" {
		sess.Login(*bidder, *token, *balance)
	}
	signals, stopSignals := sess.Signals()
	defer stopSignals()
	go func() {
		for sig := range signals {
			log.Warn().
				Str("bidder_id", sig.BidderID).
				Str("reason", sig.Reason).
				Msg("signed out")
		}
	}()

	var (
		be     engine.Backend
		dialer connection.Dialer
	)
	switch cfg.Engine.Transport {
	case config.TransportNATS:
		nc, err := cfg.NATS.Connect("auction-engine")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		be = backend.NewNATSClient(nc)
		dialer = &connection.NATSDialer{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.SubjectPrefix + ".>",
			Name:    "auction-engine-stream",
		}
	default:
		client := backend.NewHTTPClient(cfg.Engine.APIURL, sess, cfg.Engine.BidTimeout)
		defer client.Close()
		be = client
		dialer = &connection.WebSocketDialer{
			URL:              gatewayURL(cfg.Engine.GatewayURL, auctionIDs),
			HandshakeTimeout: 10 * time.Second,
		}
	}

	eng := engine.New(dialer, be, sess, clockwork.NewRealClock(), engine.Config{
		Policy:       cfg.Engine.Urgency,
		Backoff:      cfg.Engine.Backoff,
		BidTimeout:   cfg.Engine.BidTimeout,
		TickInterval: cfg.Engine.TickInterval,
	})
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("transport", cfg.Engine.Transport).
		Strs("auction_ids", auctionIDs).
		Msg("starting auction watcher")

	if err := eng.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the event stream")
	}

	views := make([]*engine.View, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		v, err := eng.Open(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("auction_id", id).Msg("failed to open auction")
			continue
		}
		v.Watch(logSnapshot)
		views = append(views, v)
	}
	if len(views) == 0 {
		log.Fatal().Msg("no auction could be opened")
	}

	if *bid > 0 {
		placeBid(ctx, views[0], *bid)
	}

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("auction watcher shutting down")
			return
		case <-report.C:
			for _, v := range views {
				r := v.Remaining()
				snap := v.Snapshot()
				log.Info().
					Str("auction_id", v.AuctionID()).
					Str("price", humanize.Comma(snap.CurrentPrice)).
					Str("remaining", r.Label).
					Str("urgency", string(r.Urgency)).
					Str("connection", string(v.ConnectionState())).
					Msg("auction status")
			}
		}
	}
}

func gatewayURL(base string, auctionIDs []string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for _, id := range auctionIDs {
		q.Add("auction_id", id)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func logSnapshot(s lifecycle.Snapshot) {
	log.Info().
		Str("auction_id", s.AuctionID).
		Str("status", string(s.Status)).
		Str("price", humanize.Comma(s.CurrentPrice)).
		Int("bid_count", s.BidCount).
		Str("next_minimum", humanize.Comma(s.NextMinimum)).
		Msg("auction updated")
}

func placeBid(ctx context.Context, v *engine.View, amount int64) {
	outcome, err := v.PlaceBid(ctx, amount)
	var pre *bidding.PreconditionError
	switch {
	case errors.As(err, &pre):
		log.Warn().Str("reason", string(pre.Reason)).Msg(pre.Error())
	case errors.Is(err, bidding.ErrTimedOut):
		log.Warn().Err(err).Msg("bid outcome unknown, resyncing")
	case err != nil:
		log.Error().Err(err).Msg("bid failed")
	case outcome.Accepted():
		log.Info().Str("amount", humanize.Comma(outcome.ConfirmedPrice)).Msg("bid accepted")
	default:
		log.Info().
			Str("price", humanize.Comma(outcome.ConfirmedPrice)).
			Str("next_minimum", humanize.Comma(outcome.NextMinimum)).
			Msg("outbid")
	}
}
