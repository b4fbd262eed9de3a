// Package config loads and validates chatstream configuration.
//
// Configuration is a YAML file with ${VAR} environment expansion and
// human-readable duration strings ("300s", "30ms") parsed after
// unmarshal. A minimal config:
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  path: data/chatstream.db
//	models:
//	  catalog_path: models.toml
//	broker:
//	  addr: localhost:6379
//	  message_ttl: 300s
//	storage:
//	  backend: s3
//	  bucket: chatstream-attachments
//	providers:
//	  openai:
//	    api_key: ${OPENAI_API_KEY}
//
// The broker section is optional; without it the delivery bus serves
// this process only.
package config
