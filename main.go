package main

import (
	"github.com/sirupsen/logrus"

	"github.com/tigr0w/illusion/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Fatal(err)
	}
}
