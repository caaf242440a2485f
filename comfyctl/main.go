package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"doubtech.com/comfyui/comfy"
)

const ComfyCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `ComfyUI prompt control.

The default server is 127.0.0.1:8188. The last used host, port and
template are remembered between runs.

Usage:
    comfyctl render --template=<file>
        [--var=<name=value>]...
        [--image=<name=file>]...
        [--seed=<seed> | --random-seed]
    comfyctl submit [--host=<host>] [--port=<port>] [--client_id=<client_id>]
        [--template=<file>]
        [--var=<name=value>]...
        [--image=<name=file>]...
        [--seed=<seed> | --random-seed]
        [--out=<dir>]
    comfyctl history [--host=<host>] [--port=<port>] <prompt_id> [--out=<dir>]

Options:
    -h --help                Show this screen.
    --version                Show this version.
    --host=<host>            Server host.
    --port=<port>            Server port.
    --client_id=<client_id>  Client id prefix used for session correlation.
    --template=<file>        Job graph template file.
    --var=<name=value>       Bind a text variable.
    --image=<name=file>      Bind an image variable from a png file.
    --seed=<seed>            Use a fixed seed value.
    --random-seed            Draw a fresh random seed per submission.
    --out=<dir>              Directory for received images. [default: .]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ComfyCtlVersion)
	if err != nil {
		panic(err)
	}

	if render_, _ := opts.Bool("render"); render_ {
		render(opts)
	} else if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	}
}

func openPreferences() *comfy.Preferences {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dataDir := filepath.Join(homeDir, ".comfyctl")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil
	}
	preferences, err := comfy.OpenPreferences(filepath.Join(dataDir, "comfyctl.db"))
	if err != nil {
		Err.Printf("could not open preferences: %s", err)
		return nil
	}
	return preferences
}

func loadSettings(opts docopt.Opts, preferences *comfy.Preferences) *comfy.ClientSettings {
	settings := comfy.DefaultClientSettings()

	if preferences != nil {
		settings.Host = preferences.Get("host", settings.Host)
		if port, err := strconv.Atoi(preferences.Get("port", strconv.Itoa(settings.Port))); err == nil {
			settings.Port = port
		}
	}
	if host, err := opts.String("--host"); err == nil && host != "" {
		settings.Host = host
	}
	if port, err := opts.Int("--port"); err == nil && 0 < port {
		settings.Port = port
	}
	if clientId, err := opts.String("--client_id"); err == nil {
		settings.ClientId = clientId
	}

	if preferences != nil {
		preferences.Set("host", settings.Host)
		preferences.Set("port", strconv.Itoa(settings.Port))
	}
	return settings
}

func loadTemplate(opts docopt.Opts, preferences *comfy.Preferences) *comfy.PromptTemplate {
	templatePath, _ := opts.String("--template")
	if templatePath == "" && preferences != nil {
		templatePath = preferences.Get("template", "")
	}
	if templatePath == "" {
		Err.Fatal("no template given and none remembered")
	}
	text, err := os.ReadFile(templatePath)
	if err != nil {
		Err.Fatalf("could not read template: %s", err)
	}
	if preferences != nil {
		preferences.Set("template", templatePath)
	}

	template := comfy.NewPromptTemplate(string(text))

	for _, binding := range stringList(opts, "--var") {
		name, value, ok := strings.Cut(binding, "=")
		if !ok {
			Err.Fatalf("bad --var binding %q, want name=value", binding)
		}
		template.Set(name, comfy.TextVariable(value))
	}
	for _, binding := range stringList(opts, "--image") {
		name, path, ok := strings.Cut(binding, "=")
		if !ok {
			Err.Fatalf("bad --image binding %q, want name=file", binding)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			Err.Fatalf("could not read image %s: %s", path, err)
		}
		template.Set(name, comfy.ImageVariable(data))
	}

	if seed, err := opts.Int("--seed"); err == nil {
		template.SetSeed(int64(seed))
	}
	if randomSeed, _ := opts.Bool("--random-seed"); randomSeed {
		template.SetRandomSeed(true)
	}

	return template
}

func stringList(opts docopt.Opts, key string) []string {
	if values, ok := opts[key].([]string); ok {
		return values
	}
	return nil
}

func render(opts docopt.Opts) {
	preferences := openPreferences()
	if preferences != nil {
		defer preferences.Close()
	}
	template := loadTemplate(opts, preferences)
	Out.Print(template.Render())
}

func submit(opts docopt.Opts) {
	preferences := openPreferences()
	if preferences != nil {
		defer preferences.Close()
	}
	settings := loadSettings(opts, preferences)
	template := loadTemplate(opts, preferences)
	outDir, _ := opts.String("--out")

	ctx := context.Background()
	registry := comfy.NewRegistry()
	submitter := comfy.NewSubmitter(ctx, settings, registry)
	defer submitter.Close()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	// all callbacks fire inside registry.Tick, on this goroutine
	savedCount := 0

	submitter.OnNotification = func(message string) {
		if message == "" {
			return
		}
		if interactive {
			fmt.Printf("\r\033[K%s", message)
		} else {
			Out.Print(message)
		}
	}
	submitter.OnProgress = func(label string, fraction float32) {
		if interactive {
			fmt.Printf("\r\033[K%s %3.0f%%", label, fraction*100)
		} else {
			Out.Printf("%s %3.0f%%", label, fraction*100)
		}
	}
	submitter.OnImageReceived = func(img image.Image) {
		savedCount += 1
		path := filepath.Join(outDir, fmt.Sprintf("comfy_%d.png", savedCount))
		if err := saveImage(path, img); err != nil {
			Err.Printf("could not save image: %s", err)
			return
		}
		if interactive {
			fmt.Printf("\r\033[K")
		}
		Out.Printf("saved %s", path)
	}

	future := submitter.SubmitPrompt(template.Render())

	for {
		registry.Tick()
		select {
		case <-future.Done():
			// trailing artifact downloads keep the request registered;
			// tick until the registry reaps it
			for 0 < registry.Len() {
				registry.Tick()
				time.Sleep(50 * time.Millisecond)
			}
			if interactive {
				fmt.Printf("\r\033[K")
			}
			ok, err := future.Result()
			if !ok {
				Err.Fatalf("prompt failed: %s", err)
			}
			Out.Printf("done, %d image(s)", savedCount)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func history(opts docopt.Opts) {
	preferences := openPreferences()
	if preferences != nil {
		defer preferences.Close()
	}
	settings := loadSettings(opts, preferences)
	promptId, _ := opts.String("<prompt_id>")
	outDir, _ := opts.String("--out")

	request := comfy.NewPromptRequest(context.Background(), settings, "")
	defer request.Close()

	nodeImages, err := request.FetchHistoryImages(promptId)
	if err != nil {
		Err.Fatalf("could not fetch history: %s", err)
	}

	total := 0
	for nodeId, images := range nodeImages {
		for i, img := range images {
			path := filepath.Join(outDir, fmt.Sprintf("history_%s_%s_%d.png", promptId, nodeId, i))
			if err := saveImage(path, img); err != nil {
				Err.Printf("could not save image: %s", err)
				continue
			}
			Out.Printf("saved %s", path)
			total += 1
		}
	}
	Out.Printf("%d image(s)", total)
}

func saveImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
