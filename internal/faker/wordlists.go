package faker

// Word lists backing the per-kind surrogate producers. Multi-cultural on
// purpose so a surrogate never signals "this was obviously faked" by being
// drawn from a narrower namespace than the real data it replaces.

var firstNames = []string{
	"John", "Jane", "Michael", "Sarah", "David", "Emily", "James", "Emma", "Robert", "Olivia",
	"William", "Elizabeth", "Richard", "Jennifer", "Thomas", "Jessica", "Charles", "Amanda",
	"Wei", "Mei", "Hiroshi", "Yuki", "Jin", "Min", "Raj", "Priya", "Kenji", "Sakura",
	"Amara", "Kofi", "Zara", "Kwame", "Nia", "Jelani", "Amina", "Chioma",
	"Yusuf", "Fatima", "Omar", "Layla", "Ali", "Nadia", "Hassan", "Mariam",
	"Carlos", "Maria", "Diego", "Sofia", "Miguel", "Lucia", "Alejandro", "Valentina",
	"Dmitri", "Anna", "Ivan", "Katya", "Alexei", "Elena", "Nikolai", "Olga",
}

var surnames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis", "Martinez", "Wilson",
	"Chen", "Wang", "Li", "Zhang", "Liu", "Kim", "Park", "Choi", "Nguyen", "Tran",
	"Okonkwo", "Diallo", "Mensah", "Osei", "Abebe", "Adeyemi",
	"Mohammed", "Ahmed", "Hassan", "Khan", "Ali", "Ibrahim",
	"Rodriguez", "Lopez", "Gonzalez", "Hernandez", "Perez", "Sanchez",
	"Ivanov", "Petrov", "Kowalski", "Novak", "Horvat",
	"O'Brien", "Murphy", "Kelly", "Sullivan", "MacDonald", "Campbell",
}

// emailDomains and every urlHosts/urlTLDs combination are restricted to the
// RFC 2606 reserved example.com/.org/.net domains, so no surrogate can ever
// collide with a real registrable name.
var emailDomains = []string{"example.com", "example.org", "example.net", "mail.example.com", "mail.example.org", "mail.example.net", "corp.example.com", "corp.example.org"}

var urlHosts = []string{"example", "docs.example", "portal.example"}
var urlTLDs = []string{"com", "org", "net"}
var urlPaths = []string{"", "/page", "/info", "/about", "/contact", "/data", "/dashboard", "/support"}

var streetNames = []string{
	"Main St", "Oak Ave", "Maple Dr", "Park Blvd", "Elm Street", "Pine Road", "Cedar Lane",
	"High Street", "Station Road", "Church Lane", "Victoria Road", "Queens Road", "King Street",
}

var cityNames = []string{
	"Springfield", "Riverside", "Greenville", "Fairview", "Madison", "Georgetown", "Salem",
	"Toronto", "Vancouver", "Calgary", "Ottawa", "Birmingham", "Edinburgh", "Liverpool",
}

var companyPrefixes = []string{
	"Acme", "Global", "United", "Pacific", "Atlantic", "Northern", "Summit", "Horizon", "Apex", "Vanguard",
}

var companySuffixes = []string{
	"Inc", "LLC", "Corp", "Industries", "Solutions", "Group", "Holdings", "Partners", "Ltd", "GmbH",
}
