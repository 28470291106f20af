package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fmsgo/fms/envconfig"
	"github.com/fmsgo/fms/generate"
	"github.com/fmsgo/fms/model"
	_ "github.com/fmsgo/fms/model/models"
	"github.com/fmsgo/fms/progress"
	"github.com/fmsgo/fms/tokenizer"
)

const promptTemplate = "Below is an instruction that describes a task. Write a response that appropriately completes the request.\n\n### Instruction:\n%s\n\n### Response:"

func NewInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run inference on a couple of prompts",
		Long: `Run greedy or sampled generation on two example prompts, or on prompts
built from --context-file, and print the decoded results.`,
		Args: cobra.NoArgs,
		RunE: inferHandler,
	}

	cmd.Flags().String("architecture", "llama", "The model architecture to run")
	cmd.Flags().String("variant", "7b", "The model variant (configuration) to run. E.g. 7b, 13b, 70b")
	cmd.Flags().String("model-path", "", "Checkpoint directory or zip archive; relative names are also looked up in FMS_MODELS. Random weights without one")
	cmd.Flags().String("model-source", "", "Source of the checkpoint. E.g. fms, meta, hf")
	cmd.Flags().String("tokenizer", "", "Path to the tokenizer (tokenizer.json, tokenizer.model or a directory holding one)")
	cmd.Flags().Bool("no-use-cache", false, "Disable the kv-cache (on by default)")
	cmd.Flags().Bool("deterministic", false, "Seed weights and sampling with 42")
	cmd.Flags().String("context-file", "", "File to summarize")
	cmd.Flags().Int("max-new-tokens", 128, "Number of tokens to generate")
	cmd.Flags().Bool("do-sample", false, "Sample instead of greedy decoding")
	cmd.Flags().Float32("temperature", 1.0, "Sampling temperature")
	cmd.Flags().Int("top-k", 10, "Sample from the k most likely tokens")
	cmd.Flags().Float32("top-p", 0, "Sample from the smallest set of tokens whose probability exceeds p")
	cmd.Flags().Int("runs", 3, "Number of times to run generation")
	cmd.Flags().Int("random-batch", 0, "Generate from this many random prompts instead of the example prompts")
	cmd.Flags().Int("random-len", 128, "Length of each random prompt")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	cmd.Flags().String("device-type", "cpu", "Accepted for compatibility; inference always runs on the CPU")
	cmd.Flags().Bool("compile", false, "Accepted for compatibility; has no effect")
	cmd.Flags().String("compile-mode", "default", "Accepted for compatibility; has no effect")
	cmd.Flags().Bool("distributed", false, "This is a distributed job (rank and size from LOCAL_RANK and WORLD_SIZE)")

	_ = cmd.MarkFlagRequired("tokenizer")
	return cmd
}

// resolveModelPath looks name up in FMS_MODELS when it does not exist as
// given.
func resolveModelPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}

	if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) && envconfig.Models != "" {
		p := filepath.Join(envconfig.Models, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return name
}

// prompts returns the example prompts, or the context file prompts.
func prompts(contextFile string) ([]string, error) {
	if contextFile == "" {
		return []string{
			fmt.Sprintf(promptTemplate, "Provide a list of instructions for preparing chicken soup."),
			fmt.Sprintf(promptTemplate, "Explain some popular greetings in Spanish."),
		}, nil
	}

	bts, err := os.ReadFile(contextFile)
	if err != nil {
		return nil, err
	}

	long := string(bts)
	return []string{
		long + "\nPlease give me a brief summary of this research paper in a few bullet points.",
		long + "\nPlease write me the abstract for this paper.",
	}, nil
}

func idsForPrompt(tok tokenizer.Tokenizer, prompt string) []int32 {
	tokens := append([]string{"<s>"}, tok.Tokenize(prompt)...)
	return tok.ConvertTokensToIDs(tokens)
}

func serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()

	slog.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func inferHandler(cmd *cobra.Command, _ []string) error {
	slog.Info("inference config", "env", envconfig.Values())

	flags := cmd.Flags()
	arch, _ := flags.GetString("architecture")
	variant, _ := flags.GetString("variant")
	modelPath, _ := flags.GetString("model-path")
	source, _ := flags.GetString("model-source")
	tokenizerPath, _ := flags.GetString("tokenizer")
	noUseCache, _ := flags.GetBool("no-use-cache")
	deterministic, _ := flags.GetBool("deterministic")
	contextFile, _ := flags.GetString("context-file")
	maxNewTokens, _ := flags.GetInt("max-new-tokens")
	doSample, _ := flags.GetBool("do-sample")
	temperature, _ := flags.GetFloat32("temperature")
	topK, _ := flags.GetInt("top-k")
	topP, _ := flags.GetFloat32("top-p")
	runs, _ := flags.GetInt("runs")
	randomBatch, _ := flags.GetInt("random-batch")
	randomLen, _ := flags.GetInt("random-len")
	metricsAddr, _ := flags.GetString("metrics-addr")

	for _, name := range []string{"device-type", "compile", "compile-mode"} {
		if flags.Changed(name) {
			slog.Warn("flag has no effect", "flag", name)
		}
	}

	if distributed, _ := flags.GetBool("distributed"); distributed {
		slog.Info("distributed job", "rank", envconfig.LocalRank, "world_size", envconfig.WorldSize)
	}

	ctx := cmd.Context()
	if metricsAddr != "" {
		if err := serveMetrics(ctx, metricsAddr); err != nil {
			return err
		}
	}

	seed := rand.Uint64()
	sampleSeed := -1
	if deterministic {
		seed, sampleSeed = 42, 42
	}

	tok, err := tokenizer.Load(tokenizerPath)
	if err != nil {
		return err
	}

	slog.Info("loading model")
	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner("loading model")
	p.Add(spinner)

	var bar *progress.StepBar
	m, err := model.GetModel(ctx, arch, variant, model.Options{
		Path:   resolveModelPath(modelPath),
		Source: source,
		Seed:   seed,
		Progress: func(layer, total int) {
			if bar == nil {
				bar = progress.NewStepBar("translating", total)
				p.Add(bar)
			}
			bar.Set(layer)
		},
	})
	p.StopAndClear()
	if err != nil {
		return err
	}
	slog.Info("loading complete", "rank", envconfig.LocalRank)

	var ids [][]int32
	if randomBatch > 0 {
		r := rand.New(rand.NewPCG(seed, seed))
		vocab := m.Config().SrcVocabSize
		for range randomBatch {
			row := make([]int32, randomLen)
			for i := range row {
				row[i] = int32(r.IntN(vocab))
			}
			ids = append(ids, row)
		}
	} else {
		texts, err := prompts(contextFile)
		if err != nil {
			return err
		}

		for _, text := range texts {
			ids = append(ids, idsForPrompt(tok, text))
		}
	}

	var maxLen int
	for _, row := range ids {
		maxLen = max(maxLen, len(row))
	}

	c := m.Config()
	maxSeqLen := c.MaxExpectedSeqLen
	if c.NTKScaling {
		maxSeqLen = max(maxLen, c.MaxExpectedSeqLen)
	}

	eos := tok.ConvertTokensToIDs([]string{"</s>"})[0]

	opts := generate.Options{
		MaxNewTokens: maxNewTokens,
		MaxSeqLen:    maxSeqLen,
		UseCache:     !noUseCache,
		DoSample:     doSample,
		Temperature:  temperature,
		TopK:         topK,
		TopP:         topP,
		Seed:         sampleSeed,
		Name:         arch + ":" + variant,
	}

	slog.Info("generating output", "rank", envconfig.LocalRank)
	w := cmd.OutOrStdout()
	for range runs {
		if err := infer(ctx, w, m, tok, ids, eos, opts); err != nil {
			return err
		}
	}

	return nil
}

func infer(ctx context.Context, w io.Writer, m model.Model, tok tokenizer.Tokenizer, ids [][]int32, eos int32, opts generate.Options) error {
	rank0 := envconfig.LocalRank == 0
	if rank0 {
		fmt.Fprintln(w, "use_cache", opts.UseCache, ";; do_sample", opts.DoSample)
		fmt.Fprintln(w, "==================")
	}

	results, err := generate.Generate(ctx, m, m, ids, opts)
	if err != nil {
		return err
	}

	if !rank0 {
		return nil
	}

	for _, result := range results {
		tokens, err := tok.ConvertIDsToTokens(generate.TruncateAfterEOS(result, eos))
		if err != nil {
			return err
		}

		fmt.Fprintln(w, tok.ConvertTokensToString(tokens))
		fmt.Fprintln(w)
	}

	return nil
}
