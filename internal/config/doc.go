// Package config reads sandbox definition files.
//
// A definitions file lists the sandboxes a host runs, one [[sandbox]]
// table each, plus a few settings shared by all of them:
//
//	module_directory = "/usr/share/luasbx/modules"
//	state_directory = "/var/lib/luasbx"
//	compression = "zstd"
//
//	[[sandbox]]
//	name = "http_status"
//	role = "analysis"
//	filename = "http_status.lua"
//	message_matcher = ["nginx.access"]
//	ticker_interval = 60
//	preserve_data = true
//	instruction_limit = 100000
//
//	[sandbox.config]
//	rows = 1440
//
// YAML files with the same keys are accepted. Files may include others
// with "@include"; see the loader package. LUASBX_MODULE_DIRECTORY,
// LUASBX_STATE_DIRECTORY, LUASBX_COMPRESSION and LUASBX_HOSTNAME override
// the shared settings.
package config
