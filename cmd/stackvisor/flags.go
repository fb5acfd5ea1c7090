package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// Flag structs to decouple cobra from logic for testing.

type SummaryFlags struct {
	JSON bool
}

type StatusFlags struct {
	JSON bool
	// Remote server connection
	APIUrl     string
	APITimeout time.Duration
}

type LogsFlags struct {
	Lines  int
	Follow bool
}

type ServeFlags struct {
	Listen   string
	BasePath string
}

type HistoryFlags struct {
	Limit int
	JSON  bool
}
