package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/poultry-check/internal/inference"
	"github.com/example/poultry-check/internal/labels"
)

func writeDataset(t *testing.T, perClass int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	imageDir := filepath.Join(dir, "Train")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))

	var index strings.Builder
	index.WriteString("images,label\n")
	for label, name := range labels.Names() {
		for i := 0; i < perClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 16, 16))
			shade := uint8(40 + 60*label)
			for y := 0; y < 16; y++ {
				for x := 0; x < 16; x++ {
					img.Set(x, y, color.RGBA{R: shade, G: 255 - shade, B: uint8(10 * i), A: 255})
				}
			}
			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, img))
			file := fmt.Sprintf("%d_%d.png", label, i)
			require.NoError(t, os.WriteFile(filepath.Join(imageDir, file), buf.Bytes(), 0o600))
			fmt.Fprintf(&index, "%s,%s\n", file, name)
		}
	}
	indexPath := filepath.Join(dir, "train_data.csv")
	require.NoError(t, os.WriteFile(indexPath, []byte(index.String()), 0o600))
	return indexPath, imageDir
}

func TestTrainCommandWritesArtifact(t *testing.T) {
	indexPath, imageDir := writeDataset(t, 3)
	out := filepath.Join(t.TempDir(), "models", "poultry_classifier.gob")
	history := filepath.Join(t.TempDir(), "history.json")

	root := newRootCommand()
	root.SetArgs([]string{
		"train",
		"--labels", indexPath,
		"--images", imageDir,
		"--output", out,
		"--history", history,
		"--epochs", "2",
		"--batch-size", "4",
		"--hidden", "8,4",
		"--log-level", "error",
	})
	require.NoError(t, root.Execute())

	engine, err := inference.Load(out, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, engine.Loaded())

	raw, err := os.ReadFile(history)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"val_accuracy"`)
}

func TestTrainCommandFailsOnEmptyDataset(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.csv")
	require.NoError(t, os.WriteFile(indexPath, []byte("missing.png,Healthy\n"), 0o600))

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"train", "--labels", indexPath, "--images", dir, "--output", filepath.Join(dir, "m.gob"), "--log-level", "error"})
	assert.Error(t, root.Execute())
}

func TestLoadConfigUsesOnlyChangedFlags(t *testing.T) {
	cmd := newServeCommand()
	cmd.Flags().AddFlagSet(newRootCommand().PersistentFlags())
	require.NoError(t, cmd.Flags().Set("model", "custom.onnx"))

	cfg, err := loadConfig(cmd, serveBindings)
	require.NoError(t, err)
	assert.Equal(t, "custom.onnx", cfg.Model.Path)
	assert.NotEmpty(t, cfg.Server.Addr)
	assert.False(t, cfg.Model.Require)
}
