package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/internal/studio"
)

// newStudio builds a studio from the configuration at path.
func newStudio(path string) (*studio.Studio, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError(path, err)
	}
	sc := cfg.Providers.Studio
	if sc.APIKey == "" {
		return nil, errors.New("studio API key not configured; set providers.studio.api_key or GEMINI_API_KEY")
	}
	return studio.New(sc.APIKey,
		studio.WithSpeechModel(sc.SpeechModel),
		studio.WithTranscriptionModel(sc.TranscriptionModel),
		studio.WithInspectionModel(sc.InspectionModel),
		studio.WithReasoningModel(sc.ReasoningModel),
		studio.WithPrompt(sc.TranscriptionPrompt),
		studio.WithVoice(sc.Voice),
	), nil
}

// ── speak ─────────────────────────────────────────────────────────────────────

func newSpeakCmd(configPath *string) *cobra.Command {
	var (
		out   string
		voice string
	)
	cmd := &cobra.Command{
		Use:   "speak [flags] TEXT",
		Short: "Synthesize speech into a raw PCM file",
		Long: `Synthesize TEXT with the studio speech model and write the result as raw
little-endian 16-bit mono PCM. The sample rate is printed on success.

Examples:
  nimbus speak --out hello.pcm "Good morning"
  nimbus speak --voice Kore --out - "Good morning" | ffplay -f s16le -ar 24000 -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStudio(*configPath)
			if err != nil {
				return err
			}
			speech, err := st.Synthesize(cmd.Context(), strings.Join(args, " "), voice)
			if err != nil {
				return err
			}
			pcm, err := speech.PCM()
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(pcm)
				return err
			}
			if err := os.WriteFile(out, pcm, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s (%s)\n", len(pcm), out, speech.MIMEType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "speech.pcm", `output file, or "-" for stdout`)
	cmd.Flags().StringVar(&voice, "voice", "", "prebuilt voice name (default from config)")
	return cmd
}

// ── transcribe ────────────────────────────────────────────────────────────────

func newTranscribeCmd(configPath *string) *cobra.Command {
	var mimeType string
	cmd := &cobra.Command{
		Use:   "transcribe [flags] FILE",
		Short: "Transcribe a recorded audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = detectMIME(args[0], data)
			}
			st, err := newStudio(*configPath)
			if err != nil {
				return err
			}
			text, err := st.Transcribe(cmd.Context(), data, mimeType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type of FILE (default: detected from extension or content)")
	return cmd
}

// ── inspect ───────────────────────────────────────────────────────────────────

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PHOTO",
		Short: "Assess a roof photo and print the report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			st, err := newStudio(*configPath)
			if err != nil {
				return err
			}
			report, err := st.InspectRoof(cmd.Context(), data, http.DetectContentType(data))
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

// ── storm ─────────────────────────────────────────────────────────────────────

func newStormCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "storm ADDRESS DATE",
		Short:   "Check recorded severe weather at an address on a date (YYYY-MM-DD)",
		Example: `  nimbus storm "100 Main St, Plano TX" 2025-03-01`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStudio(*configPath)
			if err != nil {
				return err
			}
			report, err := st.ValidateStormDate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// detectMIME guesses the recording's type from its extension, then its
// leading bytes.
func detectMIME(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "audio/webm"
	case ".wav":
		return "audio/wav"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
