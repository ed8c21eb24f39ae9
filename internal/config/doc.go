/*
Package config loads the stickypool master configuration.

Configuration is read from a YAML file over compiled-in defaults, then
STICKYPOOL_* environment variables override selected global settings:

	global:
	  log_level: info
	  log_path: /var/log/stickypool
	  rotate_size: 100KB
	  compress_logs: true
	  shutdown:
	    poll_interval: 100ms
	    timeout: 30s
	  metrics:
	    enabled: true
	    address: ":9090"
	services:
	  chat:
	    entry_point: echo
	    workers: 4
	    memory_limit: 256MB
	    sticky:
	      - port: 7000
	      - socket: /run/chat.sock

Only the master reads this file. Workers receive their service identity and
settings through the environment at spawn time.
*/
package config
