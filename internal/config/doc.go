// Package config handles the agent configuration and endpoint descriptors.
//
// # Overview
//
// The agent reads one HCL file (default /etc/warden/warden.hcl) that selects
// backends and tunes retry, logging and the metadata redirect. Endpoints are
// described separately, one YAML document per file, so that an orchestrator
// can drop and remove descriptors without touching the agent config.
//
// # Agent config
//
//	schema_version = "1.0"
//	log_level      = "info"
//	ipset_backend  = "exec"     # exec | netlink
//	iptables_wait  = 5
//	dispatch_probe = "precise"  # precise | coarse
//
//	metadata {
//	  address     = "169.254.169.254"
//	  port        = 80
//	  redirect_to = "127.0.0.1:9697"
//	}
//
//	retry {
//	  attempts      = 3
//	  initial_delay = "500ms"
//	  max_delay     = "10s"
//	}
//
//	syslog {
//	  host = "logs.example.net"
//	}
//
// # Endpoint descriptors
//
//	id: e1
//	interface: tap-e1
//	mac: aa:bb:cc:dd:ee:ff
//	ipv4: [10.0.0.5]
//	inbound:
//	  - {cidr: 10.0.0.0/24, protocol: tcp, port: 80}
//
// A descriptor yields one endpoint per address family it has addresses in.
package config
