package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/fulldump/goconfig"
	"github.com/vkngwrapper/meshheap/gpu"
	"github.com/vkngwrapper/meshheap/gpu/memdevice"
	"github.com/vkngwrapper/meshheap/gpu/vkdevice"
)

func main() {
	c := defaultConfig()
	goconfig.Read(&c)

	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		log.Fatalf("Unknown log level %s", c.LogLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var device gpu.Device
	if c.Vulkan {
		app, err := vkdevice.NewHeadless(logger, "meshheap-sim")
		if err != nil {
			log.Fatalf("Could not create a vulkan device: %+v", err)
		}
		defer func() {
			err := app.Destroy()
			if err != nil {
				logger.Error("failed to destroy vulkan device", slog.Any("error", err))
			}
		}()

		device = vkdevice.New(logger, app.PhysicalDevice, app.Device)
	} else {
		device = memdevice.New(memdevice.Options{MaxTotalBytes: c.MaxDeviceBytes})
	}

	stats, err := simulate(logger, device, c)
	if err != nil {
		log.Fatalf("Simulation failed: %+v", err)
	}

	fmt.Println(stats)
}
