// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

// The following queries retrieve various system settings and other system
// information from the database server.
const (
	// RetrieveSysSettingsServer retrieves system settings related to the
	// postgres server configuration.
	RetrieveSysSettingsServer = `SELECT name, setting, unit, short_desc, source, sourcefile, sourceline
		FROM pg_settings
		WHERE name='max_connections'
			OR name='timezone'
			OR name='max_files_per_process'
			OR name='dynamic_shared_memory_type'
			OR name='unix_socket_directories'
			OR name='port'
			OR name='data_directory'
			OR name='config_file'
			OR name='listen_address';`

	// RetrievePGVersion retrieves the version string from the database process.
	RetrievePGVersion = `SELECT version();`
)
