package config

func preset(mutate func(*Config)) *Config {
	cfg := DefaultConfig()
	mutate(cfg)
	return cfg
}

var Presets = map[string]*Config{
	"uniform-small": preset(func(c *Config) {
		c.NTask = 4
		c.BoxSize = 1.0
	}),
	"uniform-large": preset(func(c *Config) {
		c.NTask = 16
		c.BoxSize = 10.0
		c.Domain.OverDecomposition = 8
	}),
	"clustered": preset(func(c *Config) {
		c.NTask = 8
		c.BoxSize = 1.0
		c.Domain.OverDecomposition = 8
		c.Domain.TopNodeAllocFactor = 1.0
	}),
	"tight-memory": preset(func(c *Config) {
		c.NTask = 4
		c.Domain.PartAllocFactor = 1.2
		c.Domain.ExchangeScratchBytes = 1 << 20
	}),
	"serial": preset(func(c *Config) {
		c.NTask = 1
		c.Domain.OverDecomposition = 1
		c.Tree.LockStrategy = LockGlobal
	}),
}

func GetPreset(name string) *Config {
	cfg, ok := Presets[name]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	return names
}
