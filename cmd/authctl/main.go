package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/authcore/internal/authctl"
)

func main() {
	if err := authctl.NewRootCommand(authctl.DefaultConfigLoader).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		os.Exit(1)
	}
}
