// Palantir is a request routing and translation gateway for LLM APIs. It
// accepts Anthropic Messages requests and dispatches them to upstream
// providers speaking other dialects.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	gateway "github.com/quenya/palantir/internal"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/palantir.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, gateway.ErrConfig) || errors.Is(err, os.ErrNotExist) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
