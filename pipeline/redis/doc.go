// Package redis builds go-redis clients for standalone and cluster
// deployments.
package redis
