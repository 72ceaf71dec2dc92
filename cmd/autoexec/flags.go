package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath   string
	ServicesFile string
	ReposDir     string
	Listen       string
	PidFile      string
	Daemonize    bool
	LogFile      string
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
	Insecure   bool
	CACert     string
}

type ServicesFlags struct {
	ConfigPath   string
	ServicesFile string
	ReposDir     string
	JSON         bool
}
