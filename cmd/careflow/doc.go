// Command careflow runs the workflow orchestration daemon.
//
//	careflow serve --config /etc/careflow/config.yaml
//	careflow migrate --config /etc/careflow/config.yaml
//	careflow health --addr http://localhost:8080
//	careflow version
package main
