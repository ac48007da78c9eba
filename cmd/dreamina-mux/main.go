package main

import "github.com/nghyane/dreamina-mux/internal/cli"

func main() {
	cli.Execute()
}
