package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourcesFits(t *testing.T) {
	tests := []struct {
		name  string
		req   Resources
		avail Resources
		fits  bool
	}{
		{
			name:  "fits with headroom",
			req:   Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 20},
			avail: Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			fits:  true,
		},
		{
			name:  "exact fit",
			req:   Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			avail: Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			fits:  true,
		},
		{
			name:  "cpu exceeded",
			req:   Resources{CPUCores: 32, MemoryMB: 1024, StorageGB: 10},
			avail: Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			fits:  false,
		},
		{
			name:  "memory exceeded",
			req:   Resources{CPUCores: 1, MemoryMB: 131072, StorageGB: 10},
			avail: Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			fits:  false,
		},
		{
			name:  "storage exceeded",
			req:   Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 500},
			avail: Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
			fits:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fits, tt.req.Fits(tt.avail))
		})
	}
}

func TestResourcesAddSub(t *testing.T) {
	a := Resources{CPUCores: 4, MemoryMB: 8192, StorageGB: 20}
	b := Resources{CPUCores: 2, MemoryMB: 4096, StorageGB: 10}

	sum := a.Add(b)
	assert.Equal(t, Resources{CPUCores: 6, MemoryMB: 12288, StorageGB: 30}, sum)

	diff := a.Sub(b)
	assert.Equal(t, Resources{CPUCores: 2, MemoryMB: 4096, StorageGB: 10}, diff)

	// Sub floors at zero rather than going negative.
	floored := b.Sub(a)
	assert.Equal(t, Resources{}, floored)
	assert.True(t, floored.IsZero())
}

func TestResourcesUtilization(t *testing.T) {
	cap := Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200}

	tests := []struct {
		name  string
		alloc Resources
		want  float64
	}{
		{"empty", Resources{}, 0},
		{"quarter cpu dominates", Resources{CPUCores: 8, MemoryMB: 8192, StorageGB: 10}, 0.5},
		{"memory dominates", Resources{CPUCores: 2, MemoryMB: 49152, StorageGB: 10}, 0.75},
		{"full", cap, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cap.Utilization(tt.alloc), 1e-9)
		})
	}
}

func TestPortRange(t *testing.T) {
	r := PortRange{Lo: 20000, Hi: 20009}
	assert.Equal(t, 10, r.Size())
	assert.True(t, r.Contains(20000))
	assert.True(t, r.Contains(20009))
	assert.False(t, r.Contains(19999))
	assert.False(t, r.Contains(20010))

	inverted := PortRange{Lo: 100, Hi: 50}
	assert.Equal(t, 0, inverted.Size())
}

func TestDefinitionAcceptsLicense(t *testing.T) {
	def := &Definition{
		Name:            "net-fund",
		LicenseAffinity: []LicenseKind{LicenseEnterprise, LicenseEducation},
	}
	assert.True(t, def.AcceptsLicense(LicenseEnterprise))
	assert.True(t, def.AcceptsLicense(LicenseEducation))
	assert.False(t, def.AcceptsLicense(LicensePersonal))
}

func TestWorkerAvailable(t *testing.T) {
	w := &Worker{
		Capacity:  Resources{CPUCores: 16, MemoryMB: 65536, StorageGB: 200},
		Allocated: Resources{CPUCores: 10, MemoryMB: 32768, StorageGB: 50},
	}
	assert.Equal(t, Resources{CPUCores: 6, MemoryMB: 32768, StorageGB: 150}, w.Available())
}

func TestWorkerPortAccounting(t *testing.T) {
	w := &Worker{
		PortRange: PortRange{Lo: 20000, Hi: 20004},
		PortAllocations: []PortAllocation{
			{InstanceID: "i-1", Ports: map[string]int{"serial": 20000, "vnc": 20001}},
			{InstanceID: "i-2", Ports: map[string]int{"serial": 20002}},
		},
	}
	assert.Equal(t, 2, w.AvailablePorts())

	used := w.UsedPorts()
	assert.True(t, used[20000])
	assert.True(t, used[20001])
	assert.True(t, used[20002])
	assert.False(t, used[20003])
}

func TestWorkerHostsInstance(t *testing.T) {
	w := &Worker{InstanceIDs: []string{"i-1", "i-2"}}
	assert.True(t, w.HostsInstance("i-2"))
	assert.False(t, w.HostsInstance("i-3"))
}

func TestWorkerTemplateSatisfies(t *testing.T) {
	tmpl := &WorkerTemplate{
		Name:        "metal-large",
		LicenseKind: LicenseEnterprise,
		Capacity:    Resources{CPUCores: 32, MemoryMB: 131072, StorageGB: 500},
		PortRange:   PortRange{Lo: 20000, Hi: 20099},
	}

	tests := []struct {
		name string
		def  Definition
		want bool
	}{
		{
			name: "satisfiable",
			def: Definition{
				LicenseAffinity: []LicenseKind{LicenseEnterprise},
				Requirements:    DefinitionRequirements{Resources: Resources{CPUCores: 8, MemoryMB: 16384, StorageGB: 40}},
				PortTemplate:    []PortSpec{{Name: "serial"}, {Name: "vnc"}},
			},
			want: true,
		},
		{
			name: "license mismatch",
			def: Definition{
				LicenseAffinity: []LicenseKind{LicensePersonal},
				Requirements:    DefinitionRequirements{Resources: Resources{CPUCores: 8}},
			},
			want: false,
		},
		{
			name: "too large for template",
			def: Definition{
				LicenseAffinity: []LicenseKind{LicenseEnterprise},
				Requirements:    DefinitionRequirements{Resources: Resources{CPUCores: 64}},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := tt.def
			assert.Equal(t, tt.want, tmpl.Satisfies(&def))
		})
	}
}
