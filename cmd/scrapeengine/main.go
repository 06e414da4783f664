package main

import "github.com/JakeFAU/realtime-social-scraper/cmd"

func main() {
	cmd.Execute()
}
