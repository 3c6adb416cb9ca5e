// Package models contains the GORM model of the customers table. Record
// stores read and write rows as column maps; the model is only used to
// create the table on SQLite, where golang-migrate is not run.
package models
