// Package sandbox runs untrusted jobs inside isolated, resource-capped containers.
//
// A job goes through four stages. The WorkspaceBuilder writes its files and a
// Python entry script into a per-job directory. The Launcher turns that
// workspace into a ContainerSpec (mounts, limits, network policy, marker
// label) and starts it on a Runtime. The Supervisor waits with a wall-clock
// timeout, kills overdue sandboxes, captures logs and always cleans up. The
// output helpers truncate and filter captured text and collect image
// artifacts from the output directory.
//
// Two runtimes are provided: DockerRuntime talks to the Docker Engine API and
// CLIRuntime shells out to podman.
//
// Usage:
//
//	runtime, err := sandbox.NewRuntime(logger, cfg)
//	supervisor := sandbox.NewSupervisor(logger, runtime, sandbox.NewConfig(cfg), &sandbox.RealFileSystem{})
//	outcome := supervisor.Execute(ctx, j, nil)
package sandbox
