// Package postgres implements messagebus.MessageStore on PostgreSQL.
package postgres
