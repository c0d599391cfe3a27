// Package integration runs end-to-end scenarios against a bootstrapped
// replica set: clients, coordinator and replicas wired as in production.
package integration
