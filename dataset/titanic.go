package dataset

import (
	"io"
)

// TitanicFeatures lists the feature columns produced by Titanic, in order.
var TitanicFeatures = []string{
	"pclass_1", "pclass_2", "pclass_3", "sibsp", "parch", "age", "fare",
	"sex_1", "sex_2", "embarked_1", "embarked_2", "embarked_3",
}

// Titanic reads the ';'-delimited passenger list (comma decimals) and
// applies the cleaning used by the survival classifier: mean imputation of
// sibsp, parch, age and fare, constant fills for sex and embarked, one-hot
// encoding of pclass, sex and embarked. The label is the survived column.
func Titanic(r io.Reader) (*OnHeap, error) {
	t, err := ReadCSV(r, ';')
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"sibsp", "parch", "age", "fare"} {
		if _, err := t.ImputeMean(col); err != nil {
			return nil, err
		}
	}
	if err := t.FillNulls("sex", "female"); err != nil {
		return nil, err
	}
	if err := t.FillNulls("embarked", "S"); err != nil {
		return nil, err
	}
	for _, col := range []string{"pclass", "sex", "embarked"} {
		if _, err := t.OneHot(col); err != nil {
			return nil, err
		}
	}
	sel, err := t.Select(append([]string{"survived"}, TitanicFeatures...)...)
	if err != nil {
		return nil, err
	}
	return sel.ToOnHeap("survived")
}
