package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	return dir
}

func spmVocab(t *testing.T) string {
	return writeFiles(t, map[string]string{
		"tokenizer.json": `{
			"added_tokens": [
				{"id": 1, "content": "<s>", "special": true},
				{"id": 2, "content": "</s>", "special": true}
			],
			"model": {
				"type": "Unigram",
				"unk_id": 0,
				"vocab": [["<unk>", 0], ["<s>", 0], ["</s>", 0], ["▁", -1], ["h", -2], ["i", -2], ["▁hi", -0.5], ["hi", -1]]
			}
		}`,
	})
}

func bpeVocab(t *testing.T) string {
	return writeFiles(t, map[string]string{
		"vocab.json": `{"h": 0, "i": 1, "hi": 2, "Ġ": 3}`,
		"merges.txt": "#version: 0.2\nh i\n",
	})
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("TOKENIZER_VOCAB", "")
	t.Setenv("TOKENIZER_ESCAPE", "")

	var stdout, stderr bytes.Buffer
	cmd := NewCLI()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.Execute()
	return stdout.String(), err
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name  string
		stdin string
		args  []string
		want  string
	}{
		{
			name: "sentencepiece",
			args: []string{"encode", "--vocab", spmVocab(t), "hi"},
			want: "6\n",
		},
		{
			name: "sentencepiece with bos",
			args: []string{"encode", "--vocab", spmVocab(t), "--bos", "hi"},
			want: "1 6\n",
		},
		{
			name: "sentencepiece without escape",
			args: []string{"encode", "--vocab", spmVocab(t), "--escape", "none", "hi"},
			want: "7\n",
		},
		{
			name: "bpe",
			args: []string{"encode", "--vocab", bpeVocab(t), "hi", "hi"},
			want: "2 3 2\n",
		},
		{
			name:  "bpe stdin lines",
			stdin: "hi\nih\n",
			args:  []string{"encode", "--vocab", bpeVocab(t)},
			want:  "2\n1 0\n",
		},
		{
			name: "bos override",
			args: []string{"encode", "--vocab", spmVocab(t), "--bos", "--bos-token", "</s>", "hi"},
			want: "2 6\n",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.stdin, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestEncodeVerbose(t *testing.T) {
	out, err := run(t, "", "encode", "--vocab", spmVocab(t), "-v", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, `"▁hi"`)
	assert.Contains(t, out, `" hi"`)
}

func TestEncodeErrors(t *testing.T) {
	t.Run("no vocabulary", func(t *testing.T) {
		_, err := run(t, "", "encode", "hi")
		assert.ErrorIs(t, err, errNoVocabulary)
	})

	t.Run("bad escape", func(t *testing.T) {
		_, err := run(t, "", "encode", "--vocab", spmVocab(t), "--escape", "sideways", "hi")
		assert.Error(t, err)
	})

	t.Run("bad type", func(t *testing.T) {
		_, err := run(t, "", "encode", "--vocab", spmVocab(t), "--type", "wordpiece", "hi")
		assert.Error(t, err)
	})
}

func TestDecode(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "sentencepiece",
			args: []string{"decode", "--vocab", spmVocab(t), "1", "6"},
			want: "hi\n",
		},
		{
			name: "sentencepiece comma separated",
			args: []string{"decode", "--vocab", spmVocab(t), "6,6"},
			want: "hi hi\n",
		},
		{
			name: "bpe",
			args: []string{"decode", "--vocab", bpeVocab(t), "2", "3", "2"},
			want: "hi hi\n",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "", tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	t.Run("invalid id", func(t *testing.T) {
		_, err := run(t, "", "decode", "--vocab", bpeVocab(t), "x")
		assert.Error(t, err)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := run(t, "", "decode", "--vocab", bpeVocab(t), "99")
		assert.Error(t, err)
	})
}

func TestShow(t *testing.T) {
	out, err := run(t, "", "show", "--vocab", spmVocab(t))
	require.NoError(t, err)

	for _, want := range []string{"llama", "unk", `0 "<unk>"`, `1 "<s>"`, "control tokens"} {
		assert.Contains(t, out, want)
	}
}

func TestShowTypeOverride(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"tokenizer.json": `{
			"model": {
				"type": "Unigram",
				"unk_id": 0,
				"vocab": [["<unk>", 0], ["a", -1], ["Ċ", -2]]
			}
		}`,
	})

	out, err := run(t, "", "show", "--vocab", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, `2 "Ċ"`)

	out, err = run(t, "", "show", "--vocab", dir, "--type", "gpt2")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt2")
	assert.Contains(t, out, `2 "Ċ"`)
}

func TestConfig(t *testing.T) {
	out, err := run(t, "", "config", "--example")
	require.NoError(t, err)
	assert.Contains(t, out, "[tokenizer]")

	out, err = run(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "TOKENIZER_NUM_PARALLEL")
}

func TestLoadDotEnv(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		".env": "TOKENIZER_DOTENV_TEST=loaded\n",
	})

	t.Setenv("TOKENIZER_DOTENV_TEST", "")
	os.Unsetenv("TOKENIZER_DOTENV_TEST")

	require.NoError(t, loadDotEnv(filepath.Join(dir, ".env")))
	assert.Equal(t, "loaded", os.Getenv("TOKENIZER_DOTENV_TEST"))

	require.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))
}
