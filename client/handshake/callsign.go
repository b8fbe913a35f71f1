package handshake

import (
	"fmt"
	"math/rand/v2"
)

var callSignWords = []string{
	"Alfa", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf", "Hotel",
	"India", "Juliett", "Kilo", "Lima", "Mike", "November", "Oscar", "Papa",
	"Quebec", "Romeo", "Sierra", "Tango", "Uniform", "Victor", "Whiskey",
	"Xray", "Yankee", "Zulu",
}

// CallSign returns a human readable session token such as "Bravo 4821".
func CallSign() string {
	return fmt.Sprintf("%s %04d", callSignWords[rand.IntN(len(callSignWords))], 1000+rand.IntN(9000))
}
