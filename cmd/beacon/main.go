package main

import (
	"log"
	"os"

	"beacon/cmd/internal/app"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := app.IssueToken(os.Stdout, os.Args[2:]); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
