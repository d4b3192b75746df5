// Command ahttp performs HTTP/1.x requests with the asynchronous client.
//
// Usage:
//
//	ahttp [-config file] [-env-file f] [-X method] [-H 'Name: value']... [-d data | -data-file f]
//	      [-o out] [-I] [-i] [-u user:pass] [-proxy url] [-expect-continue] [-v] URL...
//
// AHTTP_* environment variables override the configuration file, for example
// AHTTP_USER_AGENT or AHTTP_PROXY_TYPE. -env-file loads them from a dotenv file
// without replacing variables that are already set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"example.com/asynchttp/internal/config"
	"example.com/asynchttp/internal/fetch"
	"example.com/asynchttp/internal/logger"
)

// headerList collects repeated -H flags.
type headerList []string

func (h *headerList) String() string { return strings.Join(*h, ", ") }
func (h *headerList) Set(v string) error {
	*h = append(*h, v)
	return nil
}

type options struct {
	configPath     string
	envFile        string
	method         string
	headers        headerList
	data           string
	dataSet        bool
	dataFile       string
	output         string
	headOnly       bool
	includeHeader  bool
	userPass       string
	proxyURL       string
	expectContinue bool
	verbose        bool
	urls           []string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("ahttp", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	fs.StringVar(&o.envFile, "env-file", "", "Load AHTTP_* overrides from a dotenv file")
	fs.StringVar(&o.method, "X", "", "Request method (default GET, or POST with a body)")
	fs.Var(&o.headers, "H", "Extra request header 'Name: value' (repeatable; 'Name:' removes a default)")
	fs.Func("d", "Request body data", func(v string) error {
		o.data, o.dataSet = v, true
		return nil
	})
	fs.StringVar(&o.dataFile, "data-file", "", "Read the request body from a file")
	fs.StringVar(&o.output, "o", "", "Write the response body to a file instead of stdout")
	fs.BoolVar(&o.headOnly, "I", false, "Send HEAD and print the response header")
	fs.BoolVar(&o.includeHeader, "i", false, "Print the response header before the body")
	fs.StringVar(&o.userPass, "u", "", "Server credentials as user:password")
	fs.StringVar(&o.proxyURL, "proxy", "", "Proxy URL, e.g. http://host:3128 or socks5://host:1080")
	fs.BoolVar(&o.expectContinue, "expect-continue", false, "Send 'Expect: 100-continue' with the body")
	fs.BoolVar(&o.verbose, "v", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.urls = fs.Args()
	if len(o.urls) == 0 {
		fs.Usage()
		return nil, errors.New("at least one URL is required")
	}
	if o.dataSet && o.dataFile != "" {
		return nil, errors.New("-d and -data-file are mutually exclusive")
	}
	if o.headOnly && (o.dataSet || o.dataFile != "") {
		return nil, errors.New("-I cannot be combined with a request body")
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}

	// 1. Load configuration
	var cfg *config.Config
	if o.configPath != "" {
		absPath, err := filepath.Abs(o.configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error getting absolute path for config file %s: %v\n", o.configPath, err)
			return 1
		}
		cfg, err = config.LoadConfig(absPath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load configuration from %s: %v\n", absPath, err)
			return 1
		}
	} else {
		cfg = config.Default()
	}
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			fmt.Fprintf(stderr, "Failed to load environment file %s: %v\n", o.envFile, err)
			return 1
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(stderr, "Failed to apply environment overrides: %v\n", err)
		return 1
	}
	if o.verbose {
		cfg.Logging.LogLevel = config.LogLevelDebug
	}

	// 2. Initialize logger
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer lg.CloseLogFiles()

	// 3. Build the runner
	var runnerOpts []fetch.RunnerOption
	if o.userPass != "" {
		user, pass, _ := strings.Cut(o.userPass, ":")
		runnerOpts = append(runnerOpts, fetch.WithCredentials(user, pass))
	}
	if o.proxyURL != "" {
		runnerOpts = append(runnerOpts, fetch.WithProxyURL(o.proxyURL))
	}
	runner, err := fetch.NewRunner(cfg, lg, runnerOpts...)
	if err != nil {
		lg.Error("Failed to create runner", logger.LogFields{"error": err.Error()})
		return 1
	}

	// 4. Prepare requests
	var out io.Writer = stdout
	if o.output != "" && !o.headOnly {
		f, err := os.Create(o.output)
		if err != nil {
			lg.Error("Failed to create output file", logger.LogFields{"path": o.output, "error": err.Error()})
			return 1
		}
		defer f.Close()
		out = f
	}

	var body *os.File
	if o.dataFile != "" {
		body, err = os.Open(o.dataFile)
		if err != nil {
			lg.Error("Failed to open request body file", logger.LogFields{"path": o.dataFile, "error": err.Error()})
			return 1
		}
		defer body.Close()
	}

	reqs := make([]fetch.Request, 0, len(o.urls))
	for _, u := range o.urls {
		req := fetch.Request{
			Method:         o.method,
			URL:            u,
			Headers:        o.headers,
			ExpectContinue: o.expectContinue,
		}
		switch {
		case o.headOnly:
			req.Method = "HEAD"
		case o.dataSet:
			req.Data = []byte(o.data)
		case body != nil:
			req.Body = body
			req.BodyName = o.dataFile
		}
		if !o.includeHeader && !o.headOnly {
			req.Output = out
		}
		reqs = append(reqs, req)
	}

	// 5. Run
	results, runErr := runner.Run(ctx, reqs)
	for _, res := range results {
		if o.includeHeader || o.headOnly {
			fmt.Fprint(stdout, res.Response.String())
			if _, err := out.Write(res.Body); err != nil {
				lg.Error("Failed to write response body", logger.LogFields{"error": err.Error()})
				return 1
			}
		}
	}
	if runErr != nil {
		lg.Error("Request failed", logger.LogFields{"error": runErr.Error()})
		return 1
	}
	return 0
}
