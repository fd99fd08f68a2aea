// Package docker runs the iac engine's resources on a Docker daemon and
// builds and pushes component images.
//
// Provider maps networks to bridge networks, volumes to local volumes and
// containers to containers attached to the application network under their
// component alias. Network-exposed containers publish their port on the
// loopback interface and report "http://<host>:<port>" as their URL output.
//
// Objects are labelled with their owning application. An existing object
// with the expected name is adopted only when it belongs to the same
// application; any other owner is reported as a permanent conflict.
//
// Builder implements image builds from a component's source directory and
// pushes to the configured registry.
package docker
