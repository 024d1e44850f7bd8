//Package sevStepLib provides the glue between the chain engine, the SEV-Step
//kernel API and the helper server inside the victim VM.
package sevStepLib

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//Config describes one attack environment. Parsed from a TOML file, see
//vm-config.toml for an example.
type Config struct {
	//VMServerAddress is the base URL where the vm-server binary inside the VM listens
	VMServerAddress string `toml:"vm_server_address"`
	//KVMDevicePath is the device node exposing the SEV-Step kernel API
	KVMDevicePath string `toml:"kvm_device_path"`
	//APICTimerValue is the timer interval used for single-stepping
	APICTimerValue uint32 `toml:"apic_timer_value"`
	//TryGetRIP enables RIP decryption for events. Works only for plain VMs and debug SEV-ES VMs
	TryGetRIP bool `toml:"try_get_rip"`
	//FlushCPU, if >= 0, selects the cpu where the wbinvd flush runs before guest memory reads
	FlushCPU int `toml:"flush_cpu"`
	//SetupTimeoutSec bounds the victim's setup phase
	SetupTimeoutSec int `toml:"setup_timeout_sec"`
	//EventTimeoutSec bounds each wait for an execution-control event
	EventTimeoutSec int `toml:"event_timeout_sec"`
}

func (c *Config) SetupTimeout() time.Duration {
	return time.Duration(c.SetupTimeoutSec) * time.Second
}

func (c *Config) EventTimeout() time.Duration {
	return time.Duration(c.EventTimeoutSec) * time.Second
}

//ParseConfig reads the attack environment config from the given TOML file and
//fills in defaults for optional entries
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config from %v : %v", path, err)
	}

	cfg := &Config{FlushCPU: -1}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file : %v", err)
	}

	if cfg.VMServerAddress == "" {
		return nil, fmt.Errorf("config entry \"vm_server_address\" may not be empty")
	}
	if cfg.KVMDevicePath == "" {
		cfg.KVMDevicePath = "/dev/kvm"
	}
	if cfg.SetupTimeoutSec == 0 {
		cfg.SetupTimeoutSec = 30
	}
	if cfg.EventTimeoutSec == 0 {
		cfg.EventTimeoutSec = 30
	}

	return cfg, nil
}
