package ledger

import "strconv"

// Key builders. Scoping keeps a welcome and a keyword reply to the same
// user from shadowing each other.
func WelcomeKey(chatID, userID int64) string { return "welcome:" + i64(chatID) + ":" + i64(userID) }
func KeywordKey(chatID, userID int64) string { return "keyword:" + i64(chatID) + ":" + i64(userID) }
func PrivateKey(userID int64) string         { return "private:" + i64(userID) }
func ContactKey(userID int64) string         { return "contact:" + i64(userID) }

func i64(v int64) string { return strconv.FormatInt(v, 10) }
