package main

import (
	"os"

	"horse.fit/announcements/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
