package config

import "github.com/cmsfed/cmsd/meter"

// MeterWeights converts the YAML-friendly PolicyConfig weight fields into
// meter.Weights.
func (c Config) MeterWeights() meter.Weights {
	p := c.Policy
	return meter.Weights{
		CPU:         p.WeightCPU,
		Net:         p.WeightNet,
		Xeq:         p.WeightXeq,
		Mem:         p.WeightMem,
		Pag:         p.WeightPag,
		Dsk:         p.WeightDsk,
		DiskPenalty: p.WeightDiskPenalty,
	}
}
