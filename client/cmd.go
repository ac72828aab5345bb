package client

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley.live/chunk"
)

// StreamCmd streams a local PCM file through a translation session as
// if it were live microphone capture, printing results as they arrive.
var StreamCmd = &cobra.Command{
	Use:   "stream <audio-file>",
	Short: "Stream an audio file through a translation session",
	Args:  cobra.ExactArgs(1),
	Run:   runStream,
}

func init() {
	StreamCmd.Flags().String("source", "", "Source language (empty for auto-detect)")
	StreamCmd.Flags().String("target", "es", "Target language")
	StreamCmd.Flags().String("voice-profile", "", "Voice profile id")
	StreamCmd.Flags().String("out", "", "Write translated audio to this file")
}

func runStream(cmd *cobra.Command, args []string) {
	logger := log.New(os.Stderr)

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Fatal("read audio file", "error", err)
	}

	source, _ := cmd.Flags().GetString("source")
	target, _ := cmd.Flags().GetString("target")
	profile, _ := cmd.Flags().GetString("voice-profile")
	outPath, _ := cmd.Flags().GetString("out")

	controller := New(
		viper.GetString("server_url"),
		viper.GetString("user_id"),
		viper.GetString("auth_token"),
		logger,
		Options{Keepalive: viper.GetDuration("keepalive_interval")},
	)
	defer controller.Close()

	if err := controller.Connect(); err != nil {
		logger.Fatal("connect", "error", err)
	}
	if err := controller.StartTranslation(source, target, profile); err != nil {
		logger.Fatal("start translation", "error", err)
	}

	// The session id arrives asynchronously; chunks sent before then
	// would be dropped anyway, so wait for it.
	deadline := time.Now().Add(10 * time.Second)
	for controller.SessionID() == "" {
		if time.Now().After(deadline) {
			logger.Fatal("timed out waiting for stream_started")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var player chunk.Player = discardPlayer{}
	if outPath != "" {
		out, err := os.Create(outPath)
		if err != nil {
			logger.Fatal("create output file", "error", err)
		}
		defer out.Close()
		player = filePlayer{out}
	}
	queue := chunk.NewQueue(player, viper.GetFloat64("volume"), logger)
	go queue.Run(ctx)

	go func() {
		for result := range controller.Results() {
			if !result.Success {
				logger.Warn("translation failed", "kind", result.Kind, "error", result.Err)
				continue
			}
			fmt.Printf("%s  ->  %s\n", result.SourceText, result.TranslatedText)
			if len(result.Audio) > 0 {
				queue.Enqueue(result.Audio)
			}
		}
	}()

	frameDuration := viper.GetDuration("chunk_duration")
	framer := chunk.NewFramer(16000, 1, frameDuration)
	frames := framer.Write(data)
	if tail := framer.Flush(); tail != nil {
		frames = append(frames, tail)
	}

	// Pace submission at capture rate so the server sees a live
	// conversation rather than a bulk upload.
	ticker := time.NewTicker(framer.Duration())
	defer ticker.Stop()
	for _, frame := range frames {
		controller.SendAudioChunk(frame)
		<-ticker.C
	}

	controller.StopTranslation()
	// Let trailing results drain.
	time.Sleep(2 * time.Second)
}

type discardPlayer struct{}

func (discardPlayer) Play(audio []byte) error { return nil }

type filePlayer struct {
	out *os.File
}

func (p filePlayer) Play(audio []byte) error {
	_, err := p.out.Write(audio)
	return err
}
