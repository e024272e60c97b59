package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/tokenizer/convert"
	"github.com/ollama/tokenizer/envconfig"
	"github.com/ollama/tokenizer/logutil"
	"github.com/ollama/tokenizer/model"
)

var errNoVocabulary = errors.New("no vocabulary: use --vocab or set TOKENIZER_VOCAB")

func loadTokenizer(cmd *cobra.Command) (*model.Tokenizer, model.EscapeMode, error) {
	dir, err := cmd.Flags().GetString("vocab")
	if err != nil {
		return nil, 0, err
	}

	if dir == "" {
		dir = envconfig.Vocab()
	}

	if dir == "" {
		return nil, 0, errNoVocabulary
	}

	vocab, err := convert.LoadVocabulary(dir)
	if err != nil {
		return nil, 0, err
	}

	if s, _ := cmd.Flags().GetString("type"); s != "" {
		typ, err := model.ParseVocabType(s)
		if err != nil {
			return nil, 0, err
		}

		vocab.SetType(typ)
	}

	for special, flag := range map[model.Special]string{
		model.SpecialBOS: "bos-token",
		model.SpecialEOS: "eos-token",
		model.SpecialSEP: "sep-token",
	} {
		name, _ := cmd.Flags().GetString(flag)
		if name != "" && !vocab.Override(special, name) {
			slog.Warn("token not found in vocabulary, keeping default", "special", special, "token", name, "id", vocab.ID(special))
		}
	}

	s, _ := cmd.Flags().GetString("escape")
	if s == "" {
		s = envconfig.Escape()
	}

	mode, err := model.ParseEscapeMode(s)
	if err != nil {
		return nil, 0, err
	}

	opts := []model.Option{model.WithEscapeMode(mode)}
	if special, _ := cmd.Flags().GetBool("special"); special {
		opts = append(opts, model.WithSpecialTokens())
	}

	tok, err := model.NewTokenizer(vocab, opts...)
	if err != nil {
		return nil, 0, err
	}

	return tok, mode, nil
}

// readInputs returns the texts to encode: the arguments joined as one text, or
// one text per line of a piped stdin.
func readInputs(cmd *cobra.Command, args []string) ([]string, error) {
	if len(args) > 0 {
		return []string{strings.Join(args, " ")}, nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, errors.New("no input: pass text as arguments or pipe it on stdin")
	}

	var texts []string
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		texts = append(texts, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return texts, nil
}

func EncodeHandler(cmd *cobra.Command, args []string) error {
	tok, mode, err := loadTokenizer(cmd)
	if err != nil {
		return err
	}

	texts, err := readInputs(cmd, args)
	if err != nil {
		return err
	}

	addBOS := tok.Vocabulary().AddBOS
	if cmd.Flags().Changed("bos") {
		addBOS, _ = cmd.Flags().GetBool("bos")
	}

	batch, err := model.TokenizeBatch(cmd.Context(), tok, texts, addBOS, mode != model.EscapeNone, envconfig.NumParallel())
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	w := cmd.OutOrStdout()
	for _, ids := range batch {
		if verbose {
			if err := writeTokens(w, tok, ids); err != nil {
				return err
			}
			continue
		}

		fields := make([]string, len(ids))
		for i, id := range ids {
			fields[i] = strconv.FormatInt(int64(id), 10)
		}

		fmt.Fprintln(w, strings.Join(fields, " "))
	}

	return nil
}

// writeTokens prints one row per token: its id, vocabulary piece and the bytes
// it detokenizes to.
func writeTokens(w io.Writer, tok *model.Tokenizer, ids []int32) error {
	vocab := tok.Vocabulary()

	var data [][]string
	for _, id := range ids {
		bts, err := tok.Detokenize(id)
		if err != nil {
			return err
		}

		data = append(data, []string{strconv.FormatInt(int64(id), 10), strconv.Quote(vocab.Decode(id)), strconv.Quote(string(bts))})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "PIECE", "BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}

func DecodeHandler(cmd *cobra.Command, args []string) error {
	tok, mode, err := loadTokenizer(cmd)
	if err != nil {
		return err
	}

	ids := make([]int32, 0, len(args))
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			id, err := strconv.ParseInt(field, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid token id %q: %w", field, err)
			}

			ids = append(ids, int32(id))
		}
	}

	s, err := tok.Decode(ids)
	if err != nil {
		return err
	}

	if tok.Type == model.VocabTypeSPM {
		s = mode.Trim(s)
	}

	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

func ShowHandler(cmd *cobra.Command, _ []string) error {
	tok, mode, err := loadTokenizer(cmd)
	if err != nil {
		return err
	}

	vocab := tok.Vocabulary()
	counts := make(map[int32]int)
	for i := range vocab.Values {
		counts[vocab.TokenType(int32(i))]++
	}

	data := [][]string{
		{"type", vocab.Type.String()},
		{"tokens", strconv.Itoa(vocab.Size())},
		{"merges", strconv.Itoa(len(vocab.Merges))},
		{"escape", mode.String()},
		{"add bos", strconv.FormatBool(vocab.AddBOS)},
	}

	for _, special := range []model.Special{model.SpecialBOS, model.SpecialEOS, model.SpecialUNK, model.SpecialSEP, model.SpecialPAD, model.SpecialLF} {
		value := "-"
		if id := vocab.ID(special); id >= 0 {
			value = fmt.Sprintf("%d %q", id, vocab.Decode(id))
		}

		data = append(data, []string{special.String(), value})
	}

	names := map[int32]string{
		model.TOKEN_TYPE_UNDEFINED:    "undefined",
		model.TOKEN_TYPE_NORMAL:       "normal",
		model.TOKEN_TYPE_UNKNOWN:      "unknown",
		model.TOKEN_TYPE_CONTROL:      "control",
		model.TOKEN_TYPE_USER_DEFINED: "user defined",
		model.TOKEN_TYPE_UNUSED:       "unused",
		model.TOKEN_TYPE_BYTE:         "byte",
	}

	types := make([]int32, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	slices.Sort(types)

	for _, t := range types {
		name, ok := names[t]
		if !ok {
			name = fmt.Sprintf("type %d", t)
		}

		data = append(data, []string{name + " tokens", strconv.Itoa(counts[t])})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"PROPERTY", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func ConfigHandler(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(w, envconfig.GenerateExampleConfig())
		return nil
	}

	if path := envconfig.ConfigPath(); path != "" {
		fmt.Fprintf(w, "config file: %s\n\n", path)
	}

	vars := envconfig.AsMap()
	values := envconfig.Values()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		data = append(data, []string{k, values[k], vars[k].Description})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}

func appendEnvDocs(cmd *cobra.Command, names ...string) {
	vars := envconfig.AsMap()

	var sb strings.Builder
	for _, name := range names {
		if v, ok := vars[name]; ok {
			fmt.Fprintf(&sb, "      %-24s %s\n", v.Name, v.Description)
		}
	}

	if sb.Len() > 0 {
		cmd.SetUsageTemplate(cmd.UsageTemplate() + "\nEnvironment Variables:\n" + sb.String())
	}
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "SentencePiece and GPT-2 BPE tokenizer",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	rootCmd.PersistentFlags().String("vocab", "", "Directory holding tokenizer.json, or vocab.json and merges.txt")
	rootCmd.PersistentFlags().String("type", "", "Vocabulary type (llama or gpt2), overrides the detected type")
	rootCmd.PersistentFlags().String("escape", "", "Whitespace escape for llama vocabularies: prefix, replace or none")
	rootCmd.PersistentFlags().String("bos-token", "", "Name of the token to use as BOS")
	rootCmd.PersistentFlags().String("eos-token", "", "Name of the token to use as EOS")
	rootCmd.PersistentFlags().String("sep-token", "", "Name of the token to use as SEP")

	cobra.EnableCommandSorting = false

	encodeCmd := &cobra.Command{
		Use:   "encode [TEXT...]",
		Short: "Convert text to token ids",
		Long:  "Convert text to token ids. Without arguments every line of stdin is encoded.",
		RunE:  EncodeHandler,
	}

	encodeCmd.Flags().Bool("bos", false, "Prepend the BOS token (default from tokenizer_config.json)")
	encodeCmd.Flags().Bool("special", false, "Emit control and user defined tokens found in the text")
	encodeCmd.Flags().BoolP("verbose", "v", false, "Show the piece and bytes of every token")

	decodeCmd := &cobra.Command{
		Use:   "decode ID...",
		Short: "Convert token ids to text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  DecodeHandler,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show vocabulary information",
		Args:  cobra.NoArgs,
		RunE:  ShowHandler,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Args:  cobra.NoArgs,
		RunE:  ConfigHandler,
	}

	configCmd.Flags().Bool("example", false, "Print an example config file")

	appendEnvDocs(encodeCmd, "TOKENIZER_VOCAB", "TOKENIZER_ESCAPE", "TOKENIZER_NUM_PARALLEL", "TOKENIZER_DEBUG")
	for _, cmd := range []*cobra.Command{decodeCmd, showCmd} {
		appendEnvDocs(cmd, "TOKENIZER_VOCAB", "TOKENIZER_ESCAPE", "TOKENIZER_DEBUG")
	}

	rootCmd.AddCommand(
		encodeCmd,
		decodeCmd,
		showCmd,
		configCmd,
	)

	return rootCmd
}
