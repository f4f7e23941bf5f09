package main

import "chatsync/cmd/chatsyncd/cmd"

func main() {
	cmd.Execute()
}
