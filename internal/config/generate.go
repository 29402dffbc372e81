package config

// DefaultConfigTOML is a complete, commented sample cowfork.toml.
const DefaultConfigTOML = `# cowfork configuration file

[log]
# level = "info"                  # debug, info, warn, error
# format = ""                     # json, text; empty picks text on a terminal
# file = ""                       # log file path (default: stderr); %(here)s and ${VAR} expand
# max_bytes = "10MB"              # rotate the log file at startup past this size
# backups = 0                     # rotated copies to keep; 0 truncates

[layout]
# page_size = 4096                # bytes per page, a power of two
# page_table_entries = 1024       # entries per page table, a power of two
# user_top = 0xeec00000           # first address above user memory
# exception_stack_top = 0xeec00000
# user_stack_top = 0xeebfe000     # top of the normal user stack
# page_fault_temp = 0x7ff000      # scratch page used to copy faulting pages

[kernel]
# max_envs = 0                    # environment table size (0 = unlimited)
# max_frames = 0                  # physical frames (0 = unlimited)
# max_fault_depth = 4             # nested faults allowed on the exception stack

[fork]
# rollback = "destroy"            # destroy or leak a half-built child on failure

[metrics]
# listen = ""                     # Prometheus listener, e.g. "127.0.0.1:9464"
`
