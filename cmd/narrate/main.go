// main package for the narrate CLI, a small client for the narration
// service's task API: submit a story, poll its status once per second, and
// report the final artifact.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag names.
const (
	flagServer       = "server"
	flagStory        = "story"
	flagText         = "text"
	flagFile         = "file"
	flagVoice        = "voice"
	flagExaggeration = "exaggeration"
	flagTemperature  = "temperature"
	flagCFGWeight    = "cfg-weight"
	flagLanguage     = "language"
	flagTimeout      = "timeout"
)

// Flag descriptions.
const (
	flagServerDesc       = "Base URL of the narration service"
	flagStoryDesc        = "Story identifier"
	flagTextDesc         = "Story text to narrate"
	flagFileDesc         = "File containing story text to narrate"
	flagVoiceDesc        = "Object store key of the voice sample"
	flagExaggerationDesc = "Voice exaggeration (0 uses the service default)"
	flagTemperatureDesc  = "Sampling temperature (0 uses the service default)"
	flagCFGWeightDesc    = "Classifier-free guidance weight (0 uses the service default)"
	flagLanguageDesc     = "Narration language code"
	flagTimeoutDesc      = "Give up after this duration"
)

const (
	defaultServer  = "http://localhost:8085"
	defaultTimeout = 30 * time.Minute
	pollInterval   = time.Second
)

var (
	errEitherTextOrFile = errors.New("either --text or --file must be provided")
	errCannotGiveBoth   = errors.New("cannot specify both --text and --file")
	errStoryRequired    = errors.New("--story is required")
	errVoiceRequired    = errors.New("--voice is required")
	errTaskFailed       = errors.New("narration failed")
	errTaskCancelled    = errors.New("narration cancelled")
	errTimedOut         = errors.New("timed out waiting for narration")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server       string
	story        string
	text         string
	file         string
	voice        string
	exaggeration float64
	temperature  float64
	cfgWeight    float64
	language     string
	timeout      time.Duration
}

type submitResponse struct {
	TaskID string `json:"taskId"`
}

type statusResponse struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep"`
	Error       string `json:"error"`
	AudioRef    string `json:"audioRef"`
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	text, err := resolveText(flags)
	if err != nil {
		return err
	}

	if flags.story == "" {
		return errStoryRequired
	}

	if flags.voice == "" {
		return errVoiceRequired
	}

	taskID, err := submit(flags, text)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted task %s\n", taskID)

	return poll(flags, taskID)
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flag.StringVar(&flags.story, flagStory, "", flagStoryDesc)
	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flag.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flag.Float64Var(&flags.exaggeration, flagExaggeration, 0, flagExaggerationDesc)
	flag.Float64Var(&flags.temperature, flagTemperature, 0, flagTemperatureDesc)
	flag.Float64Var(&flags.cfgWeight, flagCFGWeight, 0, flagCFGWeightDesc)
	flag.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flag.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flag.Parse()

	return flags
}

func resolveText(flags appFlags) (string, error) {
	if flags.text != "" && flags.file != "" {
		return "", errCannotGiveBoth
	}

	if flags.text != "" {
		return flags.text, nil
	}

	if flags.file == "" {
		return "", errEitherTextOrFile
	}

	data, err := os.ReadFile(flags.file)
	if err != nil {
		return "", fmt.Errorf("failed to read story file: %w", err)
	}

	return string(data), nil
}

func submit(flags appFlags, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"storyId":  flags.story,
		"text":     text,
		"voiceRef": flags.voice,
		"settings": map[string]any{
			"exaggeration": flags.exaggeration,
			"temperature":  flags.temperature,
			"cfg_weight":   flags.cfgWeight,
			"language":     flags.language,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := http.Post(flags.server+"/api/v1/narrations",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to reach service at %s: %w", flags.server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)

		return "", fmt.Errorf("submission rejected: %s: %s", resp.Status, string(raw))
	}

	var result submitResponse

	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}

	return result.TaskID, nil
}

func poll(flags appFlags, taskID string) error {
	deadline := time.Now().Add(flags.timeout)
	lastStep := ""

	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)

		status, err := fetchStatus(flags.server, taskID)
		if err != nil {
			return err
		}

		if status.CurrentStep != lastStep {
			fmt.Printf("[%3d%%] %s\n", status.Progress, status.CurrentStep)

			lastStep = status.CurrentStep
		}

		switch status.Status {
		case "completed":
			fmt.Printf("Done: %s\n", status.AudioRef)

			return nil
		case "failed":
			return fmt.Errorf("%w: %s", errTaskFailed, status.Error)
		case "cancelled":
			return errTaskCancelled
		}
	}

	return errTimedOut
}

func fetchStatus(server, taskID string) (*statusResponse, error) {
	resp, err := http.Get(server + "/api/v1/narrations/" + taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)

		return nil, fmt.Errorf("status poll rejected: %s: %s", resp.Status, string(raw))
	}

	var status statusResponse

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	return &status, nil
}
