package main

import "go-civitai-publisher/cmd/civitai-publisher/cmd"

func main() {
	cmd.Execute()
}
