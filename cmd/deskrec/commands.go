package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/deskrec/deskrec"
	"github.com/deskrec/deskrec/pkg/client"
)

const defaultAPIURL = "http://127.0.0.1:8951/api"

func loadConfig(path string) (deskrec.Config, error) {
	if path == "" {
		return deskrec.DefaultConfig(), nil
	}
	return deskrec.LoadConfig(path)
}

func buildRecorder(cfg deskrec.Config, synthetic bool) (*deskrec.Recorder, func(), error) {
	var producers deskrec.Producers
	if synthetic {
		producers = deskrec.SyntheticProducers()
	}
	var sinks []deskrec.HistorySink
	cleanup := func() {}
	if cfg.History.DSN != "" {
		sink, err := deskrec.NewHistorySink(cfg.History.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
		cleanup = func() { _ = sink.Close() }
	}
	if err := deskrec.RegisterMetricsDefault(); err != nil {
		cleanup()
		return nil, nil, err
	}
	r := deskrec.New(deskrec.Options{
		Config:    cfg,
		Producers: producers,
		Inhibitor: deskrec.CaffeinateInhibitor(),
		History:   sinks,
	})
	return r, cleanup, nil
}

// runRecord starts a foreground session and finalizes it on SIGINT/SIGTERM.
func runRecord(configPath string, f RecordFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if f.OutputDir != "" {
		cfg.Output.Directory = f.OutputDir
	}
	r, cleanup, err := buildRecorder(cfg, f.Synthetic)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = r.Shutdown() }()

	if err := r.Start(f.Name); err != nil {
		return err
	}
	st := r.Status()
	fmt.Printf("recording %s -> %s (interrupt to stop)\n", st.SessionID, st.Dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := r.Stop(); err != nil {
		return err
	}
	printJSON(r.Status())
	return nil
}

// runServe runs the daemon: recorder plus the HTTP control API. Sessions
// are driven through the API; the daemon exits on SIGINT/SIGTERM after
// finalizing any active session.
func runServe(configPath string, f ServeFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	listen := cfg.Server.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	r, cleanup, err := buildRecorder(cfg, f.Synthetic)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = r.Shutdown() }()

	srv, err := deskrec.NewHTTPServer(listen, "/api", r, cfg.Output.Directory)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	fmt.Printf("deskrec daemon listening on %s\n", listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return r.Stop()
}

func apiClient(f APIFlags) (*client.Client, string) {
	url := f.APIUrl
	if url == "" {
		url = defaultAPIURL
	}
	return client.New(client.Config{BaseURL: url, Timeout: f.APITimeout}), url
}

func runStart(f APIFlags) error {
	c, url := apiClient(f)
	if !c.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s - start it first with 'deskrec serve'", url)
	}
	st, err := c.StartSession(f.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func runStop(f APIFlags) error {
	c, url := apiClient(f)
	if !c.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s", url)
	}
	st, err := c.StopSession()
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func runStatus(f APIFlags) error {
	c, url := apiClient(f)
	if !c.IsReachable() {
		return fmt.Errorf("daemon not reachable at %s", url)
	}
	st, err := c.GetStatus()
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// runDoctor checks host prerequisites and reports unfinished sessions.
func runDoctor(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	check := func(label, binary string) {
		if _, err := exec.LookPath(binary); err != nil {
			fmt.Printf("  %-16s missing (%s not in PATH)\n", label, binary)
		} else {
			fmt.Printf("  %-16s ok\n", label)
		}
	}
	fmt.Println("prerequisites:")
	ffmpeg := cfg.Recording.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	check("encoder", ffmpeg)
	check("sleep guard", "caffeinate")

	incomplete, err := deskrec.FindIncomplete(cfg.Output.Directory)
	if err != nil {
		return err
	}
	if len(incomplete) == 0 {
		fmt.Println("no unfinished sessions")
		return nil
	}
	fmt.Printf("%d unfinished session(s):\n", len(incomplete))
	for _, sf := range incomplete {
		fmt.Printf("  %s  %s  (%s)\n", sf.SessionID, sf.Dir, sf.State)
	}
	return nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
