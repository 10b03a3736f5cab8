package generator

type location struct {
	zip, city, state, areaCode string
}

var locations = []location{
	{"10001", "New York", "NY", "212"},
	{"11201", "Brooklyn", "NY", "718"},
	{"14604", "Rochester", "NY", "585"},
	{"90012", "Los Angeles", "CA", "213"},
	{"94103", "San Francisco", "CA", "415"},
	{"92101", "San Diego", "CA", "619"},
	{"95814", "Sacramento", "CA", "916"},
	{"60601", "Chicago", "IL", "312"},
	{"62701", "Springfield", "IL", "217"},
	{"77002", "Houston", "TX", "713"},
	{"75201", "Dallas", "TX", "214"},
	{"78701", "Austin", "TX", "512"},
	{"33101", "Miami", "FL", "305"},
	{"32801", "Orlando", "FL", "407"},
	{"33602", "Tampa", "FL", "813"},
	{"85004", "Phoenix", "AZ", "602"},
	{"85701", "Tucson", "AZ", "520"},
	{"98101", "Seattle", "WA", "206"},
	{"99201", "Spokane", "WA", "509"},
	{"97201", "Portland", "OR", "503"},
	{"80202", "Denver", "CO", "303"},
	{"30303", "Atlanta", "GA", "404"},
	{"02108", "Boston", "MA", "617"},
	{"19103", "Philadelphia", "PA", "215"},
	{"15222", "Pittsburgh", "PA", "412"},
	{"48226", "Detroit", "MI", "313"},
	{"55401", "Minneapolis", "MN", "612"},
	{"63101", "St. Louis", "MO", "314"},
	{"37203", "Nashville", "TN", "615"},
	{"28202", "Charlotte", "NC", "704"},
	{"27601", "Raleigh", "NC", "919"},
	{"43215", "Columbus", "OH", "614"},
	{"44113", "Cleveland", "OH", "216"},
	{"46204", "Indianapolis", "IN", "317"},
	{"53202", "Milwaukee", "WI", "414"},
	{"89101", "Las Vegas", "NV", "702"},
	{"84101", "Salt Lake City", "UT", "801"},
	{"70112", "New Orleans", "LA", "504"},
	{"21201", "Baltimore", "MD", "410"},
	{"23219", "Richmond", "VA", "804"},
}

var (
	maleFirstNames = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard", "Joseph",
		"Thomas", "Christopher", "Daniel", "Matthew", "Anthony", "Mark", "Steven", "Paul",
		"Andrew", "Joshua", "Kevin", "Brian", "George", "Edward", "Ronald", "Timothy",
	}
	femaleFirstNames = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Elizabeth", "Barbara", "Susan", "Jessica",
		"Sarah", "Karen", "Lisa", "Nancy", "Betty", "Margaret", "Sandra", "Ashley",
		"Emily", "Donna", "Michelle", "Carol", "Amanda", "Melissa", "Deborah", "Laura",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis",
		"Rodriguez", "Martinez", "Hernandez", "Lopez", "Wilson", "Anderson", "Thomas", "Taylor",
		"Moore", "Jackson", "Martin", "Lee", "Thompson", "White", "Harris", "Clark",
	}
	streetNames = []string{
		"Oak", "Maple", "Cedar", "Pine", "Elm", "Washington", "Lake", "Hill",
		"Park", "Main", "Church", "Sunset", "Ridge", "Meadow", "River", "Forest",
	}
	streetSuffixes = []string{"St", "Ave", "Blvd", "Dr", "Ln", "Ct", "Pl", "Way", "Rd", "Cir", "Ter"}
	employers      = []string{
		"Acme Logistics", "Summit Health", "Bluewater Bank", "Northwind Foods", "Keystone Insurance",
		"Pioneer Retail", "Harbor Freight Lines", "Redwood Construction", "Lakeside Schools",
	}
	jobTitles = []string{
		"Account Manager", "Nurse", "Teacher", "Sales Associate", "Electrician",
		"Office Manager", "Software Developer", "Accountant", "Truck Driver", "Pharmacist",
	}
)

type weighted struct {
	value  string
	weight float64
}

var emailDomains = []weighted{
	{"gmail.com", 0.45},
	{"yahoo.com", 0.18},
	{"outlook.com", 0.12},
	{"hotmail.com", 0.08},
	{"aol.com", 0.05},
	{"icloud.com", 0.05},
	{"mail.com", 0.03},
	{"protonmail.com", 0.02},
	{"comcast.net", 0.02},
}

func states() []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range locations {
		if !seen[l.state] {
			seen[l.state] = true
			out = append(out, l.state)
		}
	}
	return out
}
