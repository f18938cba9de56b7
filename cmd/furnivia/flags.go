package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Dev        bool
	DataDir    string
}

type RunFlags struct {
	NoBridge bool
}

type SetDBFlags struct {
	URL      string
	Type     string
	SkipTest bool
}

type ProfileFlags struct {
	Email      string
	SMTPServer string
	SMTPPort   string
	SMTPUser   string
	SMTPPass   string
	Name       string
	Role       string
	Mobile     string
	Landline   string
}

type TestConnectionFlags struct {
	URL     string
	Timeout time.Duration
}

type ReclaimFlags struct {
	Port    int
	Timeout time.Duration
}

type StatusFlags struct {
	Limit int
}
