// Package reply holds the text side of automated replies: keyword
// detection, sender exclusion, group message filters and templates.
//
// Nothing here sends or sleeps; the account worker owns gating and delivery.
package reply
