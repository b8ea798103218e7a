package main

import (
    "log"

    bftcli "github.com/amirimatin/go-bftstore/pkg/cli"
)

func main() {
    if err := bftcli.NewRootCommand().Execute(); err != nil {
        log.Fatal(err)
    }
}
