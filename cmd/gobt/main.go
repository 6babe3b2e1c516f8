package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"gobt/internal/bencode"
	"gobt/internal/download"
	"gobt/internal/metainfo"
	"gobt/internal/storage"
	"gobt/internal/tracker"
)

const listenPort = 6881

func init() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	if len(os.Args) < 2 {
		logger.Error("Usage: gobt <decode|info|peers|download> ...")
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "decode":
		if err := handleDecode(os.Args); err != nil {
			logger.Error("Failed to decode", zap.Error(err))
			os.Exit(1)
		}
	case "info":
		if err := handleInfo(os.Args); err != nil {
			logger.Error("Failed to get info", zap.Error(err))
			os.Exit(1)
		}
	case "peers":
		if err := handlePeers(os.Args); err != nil {
			logger.Error("Failed to get peers", zap.Error(err))
			os.Exit(1)
		}
	case "download":
		if err := handleDownload(os.Args); err != nil {
			logger.Error("Failed to download", zap.Error(err))
			os.Exit(1)
		}
	default:
		logger.Error("Unknown command", zap.String("command", command))
		os.Exit(1)
	}
}

func handleDecode(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: decode <bencoded-value>")
	}
	v, err := bencode.DecodeFull([]byte(args[2]))
	if err != nil {
		return err
	}
	jsonOutput, err := json.Marshal(v.Interface())
	if err != nil {
		return err
	}
	fmt.Println(string(jsonOutput))
	return nil
}

func handleInfo(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: info <torrent-file>")
	}
	info, err := loadTorrent(args[2])
	if err != nil {
		return err
	}

	fmt.Printf("Tracker URL: %s\n", info.Announce)
	fmt.Printf("Length: %d (%s)\n", info.TotalLength, humanize.Bytes(uint64(info.TotalLength)))
	fmt.Printf("Info Hash: %x\n", info.InfoHash)
	fmt.Printf("Piece Length: %d\n", info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range info.PieceHashes {
		fmt.Printf("%x\n", h)
	}
	return nil
}

func handlePeers(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: peers <torrent-file>")
	}
	info, err := loadTorrent(args[2])
	if err != nil {
		return err
	}

	client := tracker.New(info, newPeerID(), listenPort, zap.L())
	addrs, err := client.Peers(context.Background())
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Println(addr)
	}
	return nil
}

func handleDownload(args []string) error {
	if len(args) != 5 || args[2] != "-o" {
		return fmt.Errorf("usage: download -o <output-dir> <torrent-file>")
	}
	outputDir := args[3]
	info, err := loadTorrent(args[4])
	if err != nil {
		return err
	}
	logger := zap.L()
	logger.Info("Starting download",
		zap.String("name", info.Name),
		zap.String("size", humanize.Bytes(uint64(info.TotalLength))),
		zap.Int("pieces", info.NumPieces()))

	files, err := storage.Create(outputDir, info.Files)
	if err != nil {
		return err
	}
	defer files.Close()

	peerID := newPeerID()
	source := tracker.New(info, peerID, listenPort, logger)
	coord := download.New(info, files, source, download.Config{PeerID: peerID}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stops the progress reporter once the download ends, error or not.
		defer cancel()
		return coord.Run(gctx)
	})
	g.Go(func() error {
		reportProgress(gctx, coord, info.TotalLength)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Download finished", zap.String("dir", outputDir))
	return nil
}

func reportProgress(ctx context.Context, coord *download.Coordinator, total int64) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			have := uint64(coord.Progress() * float64(total))
			zap.L().Info("Progress",
				zap.String("downloaded", humanize.Bytes(have)),
				zap.String("total", humanize.Bytes(uint64(total))),
				zap.Int("peers", coord.ActivePeers()))
		}
	}
}

func loadTorrent(path string) (*metainfo.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}
	return metainfo.Load(data)
}

// newPeerID generates an azureus-style peer ID: client prefix plus random
// bytes.
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-GB0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		panic(err)
	}
	return id
}
