package main

import (
	"fmt"

	_ "github.com/teamfinder/statcache/cache"
	_ "github.com/teamfinder/statcache/config"
	_ "github.com/teamfinder/statcache/logger"
	_ "github.com/teamfinder/statcache/maintenance"
	_ "github.com/teamfinder/statcache/orchestrator"
	_ "github.com/teamfinder/statcache/processor"
	_ "github.com/teamfinder/statcache/resilience"
	_ "github.com/teamfinder/statcache/upstream"
)

func main() {
	fmt.Println("statcache")
}
