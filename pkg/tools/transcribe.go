package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

func transcribeTool(opts Options) toolexecutor.ToolDefinition {
	var client openai.Client
	if opts.OpenAIAPIKey != "" {
		clientOpts := []option.RequestOption{option.WithAPIKey(opts.OpenAIAPIKey)}
		if opts.OpenAIBaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(opts.OpenAIBaseURL))
		}
		client = openai.NewClient(clientOpts...)
	}

	return toolexecutor.ToolDefinition{
		Name: "transcribe_audio",
		Description: "Transcribe an audio file (mp3, mp4, mpeg, mpga, m4a, wav, or webm) " +
			"from the workspace into text.",
		Category: toolexecutor.CategoryAudio,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "Path to the audio file, relative to the workspace", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if opts.OpenAIAPIKey == "" {
				return nil, errors.New("transcription is not configured: missing OpenAI API key")
			}

			workspaceRoot, err := resolveWorkspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}

			pathValue, _ := params["file_path"].(string)
			target, err := resolvePathInWorkspace(workspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			file, err := os.Open(target)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("audio file not found: %s", pathValue)
				}
				return nil, err
			}
			defer file.Close()

			transcription, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
				Model: openai.AudioModelWhisper1,
				File:  file,
			})
			if err != nil {
				return nil, fmt.Errorf("transcription failed: %w", err)
			}

			return fmt.Sprintf("Transcription of %s:\n\n%s", filepath.Base(target), transcription.Text), nil
		},
	}
}
