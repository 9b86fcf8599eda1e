package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avioformat/demuxcore/internal/bytesource"
	"github.com/avioformat/demuxcore/internal/config"
	"github.com/avioformat/demuxcore/internal/demux/engine"
	"github.com/avioformat/demuxcore/internal/observability"
	"github.com/avioformat/demuxcore/internal/producer/mpegts"
)

var probeCmd = &cobra.Command{
	Use:   "probe [http-url]",
	Short: "Open a source and print its packet timeline per stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func runProbe(_ *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	log := observability.NewLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src, err := openSource(ctx, args[0])
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}

	prod := mpegts.New(args[0], src, log, cfg.Engine.AccessReferences)
	eng := engine.New(prod, cfg.Engine.ToEngineOptions(), log)

	// ReadAny drives read_packet inline on this goroutine (spec.md §4.G
	// "synchronous mode"), so the dedicated reader thread from Engine.Start
	// is deliberately not started here.
	for {
		idx, pkt, err := eng.ReadAny(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrEndOfStream) {
				break
			}
			return fmt.Errorf("reading packets: %w", err)
		}
		header, _ := eng.StreamAt(idx)
		fmt.Printf("stream=%d kind=%s pts=%d dts=%d bytes=%d keyframe=%v\n",
			idx, header.Kind, pkt.PTS, pkt.DTS, len(pkt.Payload), pkt.Keyframe)
	}

	stats := eng.Stats()
	for _, s := range stats.Stream {
		fmt.Printf("summary: stream=%d kind=%s fw_packets=%d bw_bytes=%d bitrate=%.0f\n",
			s.Index, s.Kind, s.FwPackets, s.BwBytes, s.Bitrate)
	}
	return nil
}

func openSource(ctx context.Context, target string) (bytesource.Source, error) {
	if u, err := url.Parse(target); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return bytesource.NewHTTPByteSource(ctx, target, nil)
	}
	return nil, fmt.Errorf("unsupported source %q: only http(s) URLs are implemented", strings.TrimSpace(target))
}
