package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"helmdect/internal/camera"
	"helmdect/internal/compliance"
	"helmdect/internal/detection"
	"helmdect/internal/session"
)

var stderr = os.Stderr

func main() {
	var (
		urlF     = flag.String("url", "http://localhost:5000", "Detection backend URL")
		confF    = flag.Float64("confidence", session.DefaultConfidence, "Confidence threshold in [0,1]")
		rateF    = flag.Int("sample-rate", session.DefaultSampleRate, "Process every Nth video frame, in [1,10]")
		jsonF    = flag.Bool("json", false, "Print the raw result as JSON")
		timeoutF = flag.Int("timeout", 120, "Maximum number of seconds to wait for response")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
		vF       = flag.Bool("v", false, "Print request and response details")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	debug := *verboseF || *vF
	client := newClient(*urlF, *timeoutF, debug)

	ctx := context.Background()
	var err error
	switch args[0] {
	case "image", "video":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = detect(ctx, client, args[0], args[1], session.ClampConfidence(*confF), session.ClampSampleRate(*rateF), *jsonF)
	case "health":
		var status *detection.HealthStatus
		if status, err = client.Health(ctx); err == nil {
			err = printJSON(status)
		}
	case "models":
		var models []detection.ModelInfo
		if models, err = client.Models(ctx); err == nil {
			err = printJSON(models)
		}
	default:
		usage()
		os.Exit(1)
	}

	if debug {
		printDebug(client)
	}
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		if msg := session.UserMessage(err); msg != err.Error() {
			fmt.Fprintln(stderr, msg)
		}
		os.Exit(1)
	}
}

func detect(ctx context.Context, client *detection.Client, kind, path string, confidence float64, sampleRate int, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var result *compliance.DetectionResult
	if kind == "image" {
		contentType := http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			return fmt.Errorf("%s is not an image (%s)", path, contentType)
		}
		result, err = client.SubmitImage(ctx, camera.DataURL(contentType, data), confidence)
	} else {
		result, err = client.SubmitVideo(ctx, detection.VideoUpload{Filename: filepath.Base(path), Data: data}, confidence, sampleRate)
	}
	if err != nil {
		return err
	}

	report := compliance.Assess(*result)
	if asJSON {
		return printJSON(struct {
			Result *compliance.DetectionResult `json:"result"`
			Report compliance.Report           `json:"report"`
		}{result, report})
	}

	fmt.Printf("With helmet:  %d\n", report.Stats.WithHelmet)
	fmt.Printf("No helmet:    %d\n", report.Stats.NoHelmet)
	fmt.Printf("Motorcycles:  %d\n", report.Stats.Motorcycle)
	if rate := report.Assessment.Rate; rate != nil {
		fmt.Printf("Compliance:   %.0f%% of %d riders\n", *rate, report.Assessment.TotalRiders)
	} else {
		fmt.Println("Compliance:   no riders detected")
	}
	fmt.Printf("Tier:         %s - %s\n", report.TierInfo.Title, report.TierInfo.Message)
	if media := result.AnnotatedMedia; media != nil && media.Path != "" {
		fmt.Printf("Annotated:    %s\n", client.MediaURL(media.Path))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintf(stderr, `%s runs one-shot helmet detection against a detection backend.

Usage:
    %s [-url URL] [-confidence 0.5] [-sample-rate 5] [-json] [-timeout SECONDS] [-verbose|-v] COMMAND

Commands:
    image FILE    Detect helmets on a still image
    video FILE    Detect helmets on sampled video frames
    health        Show backend health
    models        List backend models

Example:
    %s -confidence 0.6 image street.jpg
`, os.Args[0], os.Args[0], os.Args[0])
}
