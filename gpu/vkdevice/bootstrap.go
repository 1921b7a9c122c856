package vkdevice

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
)

// Application owns a headless Vulkan instance and logical device, for tools that want to run the
// mesh heap against real GPU memory without a window
type Application struct {
	Instance       core1_0.Instance
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device
}

// NewHeadless loads the system Vulkan loader and creates a device on the first physical device
// that exposes a graphics queue. Portability enumeration is enabled when the loader supports it.
func NewHeadless(logger *slog.Logger, appName string) (*Application, error) {
	loader, err := core.CreateSystemLoader()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load vulkan")
	}

	instanceExtensions, _, err := loader.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate instance extensions")
	}

	var instanceExtensionNames []string
	var flags core1_0.InstanceCreateFlags
	_, ok := instanceExtensions[khr_portability_enumeration.ExtensionName]
	if ok {
		instanceExtensionNames = append(instanceExtensionNames, khr_portability_enumeration.ExtensionName)
		flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	instance, _, err := loader.CreateInstance(nil, core1_0.InstanceCreateInfo{
		ApplicationName:       appName,
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "meshheap",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_0,
		EnabledExtensionNames: instanceExtensionNames,
		Flags:                 flags,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vulkan instance")
	}

	app, err := createDevice(logger, instance)
	if err != nil {
		instance.Destroy(nil)
		return nil, err
	}

	return app, nil
}

func createDevice(logger *slog.Logger, instance core1_0.Instance) (*Application, error) {
	gpus, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate physical devices")
	}

	for _, physDevice := range gpus {
		graphicsFamily := -1
		for queueIndex, queueFamily := range physDevice.QueueFamilyProperties() {
			if queueFamily.QueueFlags&core1_0.QueueGraphics != 0 {
				graphicsFamily = queueIndex
				break
			}
		}

		if graphicsFamily < 0 {
			continue
		}

		var deviceExtensionNames []string
		deviceExtensions, _, err := physDevice.EnumerateDeviceExtensionProperties()
		if err != nil {
			return nil, errors.Wrap(err, "failed to enumerate device extensions")
		}

		_, ok := deviceExtensions[khr_portability_subset.ExtensionName]
		if ok {
			deviceExtensionNames = append(deviceExtensionNames, khr_portability_subset.ExtensionName)
		}

		device, _, err := physDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
			QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
				{
					QueueFamilyIndex: graphicsFamily,
					QueuePriorities:  []float32{0.0},
				},
			},
			EnabledExtensionNames: deviceExtensionNames,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create vulkan device")
		}

		if logger != nil {
			logger.Debug("created headless vulkan device", slog.Int("QueueFamily", graphicsFamily))
		}

		return &Application{
			Instance:       instance,
			PhysicalDevice: physDevice,
			Device:         device,
		}, nil
	}

	return nil, errors.New("no physical device exposes a graphics queue")
}

// Destroy waits for the device to go idle and tears everything down
func (a *Application) Destroy() error {
	_, err := a.Device.WaitIdle()

	a.Device.Destroy(nil)
	a.Instance.Destroy(nil)

	return err
}
