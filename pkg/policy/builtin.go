package policy

// BuiltinPolicies returns the policies shipped with the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		highCPUPolicy(),
		highMemoryPolicy(),
		productionDatabaseTierPolicy(),
	}
}

func highCPUPolicy() Policy {
	return Policy{
		Name:        "high-cpu",
		Description: "Flags CPU allocations above the review threshold",
		Enabled:     true,
		Builtin:     true,
		Rego: `package shipyard.soft.cpu

import rego.v1

warn contains violation if {
	some component in input.components
	component.enabled
	component.cpu > input.thresholds.cpu_cores
	monthly := round(component.cpu * input.prices.cpu_core_month)
	violation := {
		"field": sprintf("components.%s.cpu", [component.name]),
		"message": sprintf("%s requests %v CPU cores, above the %v core review threshold", [component.name, component.cpu, input.thresholds.cpu_cores]),
		"why": sprintf("CPU is billed for every second the container runs; this allocation costs about %s%v per month for CPU alone", [input.prices.currency_symbol, monthly]),
		"fix": "Start with 0.5 to 1.0 cores and raise the allocation only when monitoring shows sustained CPU pressure",
	}
}
`,
	}
}

func highMemoryPolicy() Policy {
	return Policy{
		Name:        "high-memory",
		Description: "Flags memory allocations above the review threshold",
		Enabled:     true,
		Builtin:     true,
		Rego: `package shipyard.soft.memory

import rego.v1

warn contains violation if {
	some component in input.components
	component.enabled
	component.memory > input.thresholds.memory_gib
	monthly := round(component.memory * input.prices.memory_gib_month)
	violation := {
		"field": sprintf("components.%s.memory", [component.name]),
		"message": sprintf("%s requests %v GiB of memory, above the %v GiB review threshold", [component.name, component.memory, input.thresholds.memory_gib]),
		"why": sprintf("Memory is reserved for the whole lifetime of the container; this allocation costs about %s%v per month", [input.prices.currency_symbol, monthly]),
		"fix": "Measure peak memory usage under realistic load and size the allocation about 25% above it",
	}
}
`,
	}
}

func productionDatabaseTierPolicy() Policy {
	return Policy{
		Name:        "production-database-tier",
		Description: "Flags production databases on the basic tier",
		Enabled:     true,
		Builtin:     true,
		Rego: `package shipyard.soft.database

import rego.v1

warn contains violation if {
	input.environment == "prod"
	some component in input.components
	component.name == "database"
	component.enabled
	component.tier == "basic"
	violation := {
		"field": "components.database.tier",
		"message": "Production database uses the basic tier",
		"why": "The basic tier has no high availability and limited backup retention, so an outage or data loss cannot be recovered quickly",
		"fix": "Set components.database.tier to general_purpose for production workloads",
	}
}
`,
	}
}
